package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.APIEndpoints = []string{"http://fleet.local:5000"}
	if errs := cfg.ValidateTiered().All(); len(errs) != 0 {
		t.Fatalf("default config should validate cleanly: %v", errs)
	}
}

func TestValidateTieredInvalidEndpointSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.APIEndpoints = []string{"http://ok.local", "ftp://example.com"}
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
}

func TestValidateTieredControlCharsInKeyIsFatal(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "key\x00with\x01control"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("control chars in api_key should be fatal")
	}
}

func TestValidateTieredNonLoopbackIPCIsFatal(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:61900", "10.0.0.5:61900", "localhost", "127.0.0.1"} {
		cfg := Default()
		cfg.IPCAddr = addr
		if !cfg.ValidateTiered().HasFatals() {
			t.Errorf("ipc_addr %q should be fatal", addr)
		}
	}
}

func TestValidateTieredIntervalClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LoopIntervalSeconds = 1
	cfg.FullReportInterval = 0
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped values should be warnings, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("expected two warnings, got %v", result.Warnings)
	}
	if cfg.LoopIntervalSeconds != 5 {
		t.Fatalf("LoopIntervalSeconds = %d, want 5 (clamped)", cfg.LoopIntervalSeconds)
	}
	if cfg.FullReportInterval != 1 {
		t.Fatalf("FullReportInterval = %d, want 1 (clamped)", cfg.FullReportInterval)
	}
}

func TestValidateTieredUnknownExecModeFallsBack(t *testing.T) {
	cfg := Default()
	cfg.PackageExecMode = "SYSTEM"
	if errs := cfg.ValidateTiered().All(); len(errs) != 0 {
		t.Fatalf("mode should be case-insensitive: %v", errs)
	}
	if cfg.PackageExecMode != ExecModeSystem {
		t.Fatalf("mode = %q", cfg.PackageExecMode)
	}

	cfg.PackageExecMode = "elevated"
	result := cfg.ValidateTiered()
	if len(result.Warnings) != 1 || cfg.PackageExecMode != ExecModeAuto {
		t.Fatalf("unknown mode should warn and fall back: %v %q", result.Warnings, cfg.PackageExecMode)
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	errs := cfg.Validate()
	found := false
	for _, err := range errs {
		if strings.Contains(err.Error(), "log_level") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected log_level error, got %v", errs)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := `api_endpoints:
  - http://a.local:5000
  - http://b.local:5000
api_key: s3cret
loop_interval_seconds: 30
blacklist_keywords: [Teams]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.APIEndpoints) != 2 || cfg.APIEndpoints[1] != "http://b.local:5000" {
		t.Fatalf("endpoints = %v", cfg.APIEndpoints)
	}
	if cfg.APIKey != "s3cret" || cfg.LoopIntervalSeconds != 30 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.FullReportInterval != 60 {
		t.Fatalf("unset values keep defaults, got %d", cfg.FullReportInterval)
	}
	if len(cfg.BlacklistKeywords) != 1 || cfg.BlacklistKeywords[0] != "Teams" {
		t.Fatalf("blacklist = %v", cfg.BlacklistKeywords)
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "agent.yaml")
	cfg := Default()
	cfg.APIEndpoints = []string{"https://fleet.example.com"}
	cfg.APIKey = "abc"
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.APIKey != "abc" || len(back.APIEndpoints) != 1 {
		t.Fatalf("round trip lost values: %+v", back)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.InstallDir = filepath.Join("x", "install")
	cfg.DataDir = filepath.Join("x", "data")

	if got := cfg.HealthFlagPath(); got != filepath.Join("x", "install", "health_check.flag") {
		t.Fatalf("HealthFlagPath = %s", got)
	}
	if got := cfg.TokenPath(); got != filepath.Join("x", "data", "ipc.token") {
		t.Fatalf("TokenPath = %s", got)
	}
	cfg.IPCTokenPath = "custom.token"
	if cfg.TokenPath() != "custom.token" {
		t.Fatal("explicit token path should win")
	}
}
