package config

import "testing"

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NumSites != 10 || cfg.NumVariables != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadAppliesEnvironmentOverride(t *testing.T) {
	t.Setenv("REPCREC_DATA_DIR", "/tmp/repcrec-test")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/repcrec-test" {
		t.Fatalf("expected env override, got %q", cfg.DataDir)
	}
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err != nil {
		t.Fatalf("expected missing config file to be tolerated, got %v", err)
	}
}
