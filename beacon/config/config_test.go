package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheusHen/beacon/beacon/contact"
	"github.com/TheusHen/beacon/beacon/exposure"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ContactConfig() != contact.DefaultConfig() {
		t.Fatalf("ContactConfig = %+v", cfg.ContactConfig())
	}
	if cfg.Policy() != exposure.DefaultPolicy() {
		t.Fatalf("Policy = %+v", cfg.Policy())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
data_dir: /var/lib/beacon
backend:
  base_url: https://backend.example.org/v1
  max_clock_skew: 45
protocol:
  batch_length: 4h
aggregation:
  baseline: group
  calibration: true
exposure:
  min_duration: 20m
schedule:
  sync: "*/30 * * * *"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/beacon" || cfg.Backend.BaseURL != "https://backend.example.org/v1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Backend.MaxClockSkew.Duration() != 45*time.Second {
		t.Fatalf("max_clock_skew = %s", cfg.Backend.MaxClockSkew.Duration())
	}
	if cfg.Protocol.BatchLength.Duration() != 4*time.Hour {
		t.Fatalf("batch_length = %s", cfg.Protocol.BatchLength.Duration())
	}
	if cfg.ContactConfig().Baseline != contact.BaselineGroup || !cfg.Aggregation.Calibration {
		t.Fatalf("aggregation = %+v", cfg.Aggregation)
	}
	if cfg.Policy().MinDuration != 20*time.Minute {
		t.Fatalf("min_duration = %s", cfg.Policy().MinDuration)
	}
	// Untouched fields keep their defaults.
	if cfg.Protocol.SyncWindow != 14 || cfg.Exposure.AttenuationLow != 55 {
		t.Fatalf("defaults lost: %+v", cfg.Protocol)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", "data_dir: /tmp/beacon\n")
	envPath := writeFile(t, ".env", "BEACON_LOG_LEVEL=debug\nBEACON_CALIBRATION=true\n")
	t.Cleanup(func() {
		os.Unsetenv("BEACON_LOG_LEVEL")
		os.Unsetenv("BEACON_CALIBRATION")
	})

	cfg, err := Load(cfgPath, envPath, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" || !cfg.Aggregation.Calibration {
		t.Fatalf("env file not applied: %+v %+v", cfg.Log, cfg.Aggregation)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BEACON_BACKEND_URL":    "http://127.0.0.1:8080",
		"BEACON_HTTP3":          "false",
		"BEACON_BATCH_LENGTH":   "1h",
		"BEACON_DECOY":          "0",
		"BEACON_SYNC_CRON":      "@hourly",
		"BEACON_MAX_CLOCK_SKEW": "10",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Backend.BaseURL != "http://127.0.0.1:8080" || cfg.Decoy.Enabled || cfg.Schedule.Sync != "@hourly" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Protocol.BatchLength.Duration() != time.Hour || cfg.Backend.MaxClockSkew.Duration() != 10*time.Second {
		t.Fatalf("durations not applied")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	env["BEACON_HTTP3"] = "maybe"
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"cron":           func(c *Config) { c.Schedule.Sync = "every two hours" },
		"batch length":   func(c *Config) { c.Protocol.BatchLength = Duration(7 * time.Hour) },
		"epoch":          func(c *Config) { c.Protocol.Epoch = 0 },
		"window":         func(c *Config) { c.Aggregation.Window = Duration(time.Hour) },
		"baseline":       func(c *Config) { c.Aggregation.Baseline = "median" },
		"thresholds":     func(c *Config) { c.Exposure.AttenuationLow = 70 },
		"url":            func(c *Config) { c.Backend.BaseURL = "ftp://backend" },
		"http3 over tcp": func(c *Config) { c.Backend.BaseURL = "http://backend"; c.Backend.HTTP3 = true },
		"sync window":    func(c *Config) { c.Protocol.SyncWindow = 30 },
		"records":        func(c *Config) { c.Storage.Records = "postgres" },
		"skew":           func(c *Config) { c.Backend.MaxClockSkew = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	b, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Load(writeFile(t, "config.yaml", string(b)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != cfg {
		t.Fatalf("round trip changed config:\n%+v\n%+v", got, cfg)
	}
}
