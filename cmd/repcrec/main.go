package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/distrodb/repcrec/internal/config"
	"github.com/distrodb/repcrec/internal/driver"
	"github.com/distrodb/repcrec/internal/logging"
	"github.com/distrodb/repcrec/internal/metrics"
	"github.com/distrodb/repcrec/pkg/txn"
)

var version = "dev"

var (
	cfgFile     string
	dataDir     string
	numSites    int
	numVars     int
	logLevel    string
	logJSON     bool
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "repcrec",
	Short: "Replicated concurrency control and recovery engine",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the site data directory")
	rootCmd.PersistentFlags().IntVar(&numSites, "sites", 0, "override the site count")
	rootCmd.PersistentFlags().IntVar(&numVars, "variables", 0, "override the variable count")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "override the metrics listen address")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if numSites != 0 {
		cfg.NumSites = numSites
	}
	if numVars != 0 {
		cfg.NumVariables = numVars
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	return cfg, nil
}

func parseLevel(level string) logging.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logging.DebugLevel
	case "warn":
		return logging.WarnLevel
	case "error":
		return logging.ErrorLevel
	default:
		return logging.InfoLevel
	}
}

var runCmd = &cobra.Command{
	Use:   "run [command-file]",
	Short: "Execute a command file against a fresh engine instance",
	Long: "Reads command-language input from the given file, or stdin when " +
		"omitted, feeding it tick by tick to the transaction manager and " +
		"printing dump output, command errors, and debug assertion results.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := logging.New(logging.Config{Level: parseLevel(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		recorder := metrics.NewRecorder()

		m, err := txn.New(cfg.NumSites, cfg.NumVariables, cfg.DataDir, logger, recorder)
		if err != nil {
			return fmt.Errorf("repcrec: failed to start engine: %w", err)
		}

		in := os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("repcrec: failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			in = f
		}

		results, err := driver.Run(m, in, os.Stdout)
		if err != nil {
			return fmt.Errorf("repcrec: %w", err)
		}

		failed := 0
		for _, r := range results {
			fmt.Println(r)
			if !r.Passed {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("repcrec: %d debug assertion(s) failed", failed)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the repcrec version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("repcrec", version)
		return nil
	},
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve Prometheus metrics on an HTTP endpoint",
	Long: "Starts a standalone HTTP server exposing /metrics, for deployments " +
		"that run repcrec as a long-lived process alongside a scrape target.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		recorder := metrics.NewRecorder()

		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		fmt.Printf("serving metrics on %s\n", cfg.MetricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("shutting down")
		case err := <-errCh:
			return fmt.Errorf("repcrec: metrics server: %w", err)
		}
		return server.Close()
	},
}
