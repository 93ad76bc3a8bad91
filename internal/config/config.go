// Package config loads engine configuration from an optional file, environment
// variables prefixed REPCREC_, and command-line overrides applied by the
// caller.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every tunable the engine needs to start.
type Config struct {
	NumSites     int    `mapstructure:"num_sites"`
	NumVariables int    `mapstructure:"num_variables"`
	DataDir      string `mapstructure:"data_dir"`
	LogLevel     string `mapstructure:"log_level"`
	LogJSON      bool   `mapstructure:"log_json"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

// Default returns the standard ten-site, twenty-variable configuration.
func Default() Config {
	return Config{
		NumSites:     10,
		NumVariables: 20,
		DataDir:      "./data",
		LogLevel:     "info",
		LogJSON:      false,
		MetricsAddr:  ":9090",
	}
}

// Load starts from Default(), applies an optional config file at path (when
// non-empty and present), then applies REPCREC_-prefixed environment
// variables on top.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetDefault("num_sites", cfg.NumSites)
	v.SetDefault("num_variables", cfg.NumVariables)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_json", cfg.LogJSON)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
			}
		} else if !os.IsNotExist(statErr) {
			return Config{}, fmt.Errorf("config: failed to stat %s: %w", path, statErr)
		}
	}

	const prefix = "REPCREC_"
	for _, entry := range os.Environ() {
		key, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(key, prefix) {
			continue
		}
		propKey := strings.ToLower(strings.TrimPrefix(key, prefix))
		v.Set(propKey, value)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	return cfg, nil
}
