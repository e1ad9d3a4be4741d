// Package config loads the engine configuration: built-in defaults, then a YAML
// file, then BEACON_* environment variables (optionally from a .env file).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/TheusHen/beacon/beacon/contact"
	"github.com/TheusHen/beacon/beacon/exposure"
)

const (
	// AppName names the XDG directories.
	AppName = "beacon"
	// FileName is the config file looked up under the XDG config dirs.
	FileName  = "config.yaml"
	envPrefix = "BEACON_"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the full engine configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Backend     BackendConfig     `yaml:"backend"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Exposure    ExposureConfig    `yaml:"exposure"`
	Decoy       DecoyConfig       `yaml:"decoy"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Storage     StorageConfig     `yaml:"storage"`
}

// Default returns the reference configuration.
func Default() Config {
	agg := contact.DefaultConfig()
	pol := exposure.DefaultPolicy()
	return Config{
		DataDir: filepath.Join(xdg.DataHome, AppName),
		Backend: BackendConfig{
			MaxClockSkew: Duration(30 * time.Second),
			Timeout:      Duration(30 * time.Second),
			Burst:        1,
		},
		Protocol: ProtocolConfig{
			Epoch:         Duration(agg.EpochDuration),
			RetentionDays: 21,
			BatchLength:   Duration(2 * time.Hour),
			SyncWindow:    14,
		},
		Aggregation: AggregationConfig{
			Window:             Duration(agg.WindowDuration),
			BadAttenuation:     agg.BadAttenuationThreshold,
			ContactAttenuation: agg.ContactAttenuationThreshold,
			EventThreshold:     agg.EventThreshold,
			Baseline:           agg.Baseline.String(),
		},
		Exposure: ExposureConfig{
			AttenuationLow:    pol.AttenuationLow,
			AttenuationMedium: pol.AttenuationMedium,
			FactorLow:         pol.FactorLow,
			FactorMedium:      pol.FactorMedium,
			MinDuration:       Duration(pol.MinDuration),
			DaysToConsider:    pol.DaysToConsider,
			DayRetentionDays:  exposure.DefaultDayRetention,
		},
		Decoy: DecoyConfig{
			Enabled: true,
			Mean:    Duration(5 * 24 * time.Hour),
			MinGap:  Duration(time.Hour),
		},
		Schedule: ScheduleConfig{
			Aggregate:  "*/15 * * * *",
			Sync:       "5 */2 * * *",
			Drain:      "*/15 * * * *",
			Decoy:      "@hourly",
			MaxBackoff: Duration(time.Hour),
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Records: "sqlite", KV: "pebble"},
	}
}

// Load builds the configuration. path may be empty, in which case the XDG
// config dirs are searched and a missing file is not an error. envFiles are
// loaded with godotenv before the environment is read; missing ones are skipped.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if p, err := xdg.SearchConfigFile(filepath.Join(AppName, FileName)); err == nil {
			path = p
		}
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) { return yaml.Marshal(c) }

// ApplyEnv overrides fields from BEACON_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"DATA_DIR":       &c.DataDir,
		"BACKEND_URL":    &c.Backend.BaseURL,
		"REPORT_URL":     &c.Backend.ReportURL,
		"PUBLIC_KEY":     &c.Backend.PublicKey,
		"USER_AGENT":     &c.Backend.UserAgent,
		"BASELINE":       &c.Aggregation.Baseline,
		"SYNC_CRON":      &c.Schedule.Sync,
		"AGGREGATE_CRON": &c.Schedule.Aggregate,
		"DRAIN_CRON":     &c.Schedule.Drain,
		"DECOY_CRON":     &c.Schedule.Decoy,
		"LOG_LEVEL":      &c.Log.Level,
		"LOG_SINK":       &c.Log.Sink,
		"LOG_FORMAT":     &c.Log.Format,
		"METRICS_ADDR":   &c.Metrics.Addr,
		"RECORDS":        &c.Storage.Records,
		"KV":             &c.Storage.KV,
	}
	for name, dst := range str {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	flags := map[string]*bool{
		"HTTP3":       &c.Backend.HTTP3,
		"INSECURE":    &c.Backend.Insecure,
		"CALIBRATION": &c.Aggregation.Calibration,
		"DECOY":       &c.Decoy.Enabled,
	}
	for name, dst := range flags {
		if v := getenv(envPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalid, envPrefix, name, v)
			}
			*dst = b
		}
	}

	durations := map[string]*Duration{
		"MAX_CLOCK_SKEW": &c.Backend.MaxClockSkew,
		"BATCH_LENGTH":   &c.Protocol.BatchLength,
		"DECOY_MEAN":     &c.Decoy.Mean,
	}
	for name, dst := range durations {
		if v := getenv(envPrefix + name); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrInvalid, envPrefix, name, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks every field and returns all problems joined.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.DataDir == "" && (c.Storage.Records != "memory" || c.Storage.KV != "memory") {
		bad("data_dir is required for persistent storage")
	}
	for name, raw := range map[string]string{"backend.base_url": c.Backend.BaseURL, "backend.report_url": c.Backend.ReportURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad("%s %q is not an http(s) URL", name, raw)
		}
	}
	if c.Backend.HTTP3 && strings.HasPrefix(c.Backend.BaseURL, "http://") {
		bad("backend.http3 requires an https base_url")
	}
	if c.Backend.MaxClockSkew.Duration() <= 0 {
		bad("backend.max_clock_skew must be positive")
	}
	if c.Backend.RequestsPerSecond < 0 || c.Backend.Burst < 0 {
		bad("backend rate limit must not be negative")
	}

	divides := func(name string, d time.Duration) {
		if d <= 0 || (24*time.Hour)%d != 0 {
			bad("%s %s must divide a day", name, d)
		}
	}
	divides("protocol.epoch", c.Protocol.Epoch.Duration())
	divides("protocol.batch_length", c.Protocol.BatchLength.Duration())
	if c.Protocol.RetentionDays <= 0 || c.Protocol.SyncWindow <= 0 {
		bad("protocol retention_days and sync_window_days must be positive")
	}
	if c.Protocol.SyncWindow > c.Protocol.RetentionDays {
		bad("protocol.sync_window_days %d exceeds retention_days %d", c.Protocol.SyncWindow, c.Protocol.RetentionDays)
	}

	if w := c.Aggregation.Window.Duration(); w <= 0 || w > c.Protocol.Epoch.Duration() {
		bad("aggregation.window %s must be positive and at most one epoch", w)
	}
	if _, err := contact.ParseBaseline(c.Aggregation.Baseline); err != nil {
		bad("aggregation.baseline: %v", err)
	}
	if c.Aggregation.EventThreshold <= 0 {
		bad("aggregation.event_threshold must be positive")
	}

	e := c.Exposure
	if e.AttenuationLow > e.AttenuationMedium {
		bad("exposure.attenuation_low %.1f exceeds attenuation_medium %.1f", e.AttenuationLow, e.AttenuationMedium)
	}
	if e.FactorLow < 0 || e.FactorMedium < 0 || e.MinDuration.Duration() < 0 {
		bad("exposure factors and min_duration must not be negative")
	}
	if e.DaysToConsider <= 0 || e.DayRetentionDays <= 0 {
		bad("exposure day windows must be positive")
	}

	if c.Decoy.Enabled && (c.Decoy.Mean.Duration() <= 0 || c.Decoy.MinGap.Duration() < 0) {
		bad("decoy.mean must be positive and decoy.min_gap not negative")
	}

	g := gronx.New()
	for name, expr := range map[string]string{
		"schedule.aggregate": c.Schedule.Aggregate,
		"schedule.sync":      c.Schedule.Sync,
		"schedule.drain":     c.Schedule.Drain,
		"schedule.decoy":     c.Schedule.Decoy,
	} {
		if expr != "" && !g.IsValid(expr) {
			bad("%s %q is not a valid cron expression", name, expr)
		}
	}

	switch c.Storage.Records {
	case "sqlite", "memory":
	default:
		bad("storage.records %q must be sqlite or memory", c.Storage.Records)
	}
	switch c.Storage.KV {
	case "pebble", "memory":
	default:
		bad("storage.kv %q must be pebble or memory", c.Storage.KV)
	}
	return errors.Join(errs...)
}

// ContactConfig returns the aggregation thresholds. c must be valid.
func (c Config) ContactConfig() contact.Config {
	baseline, _ := contact.ParseBaseline(c.Aggregation.Baseline)
	return contact.Config{
		EpochDuration:               c.Protocol.Epoch.Duration(),
		WindowDuration:              c.Aggregation.Window.Duration(),
		BadAttenuationThreshold:     c.Aggregation.BadAttenuation,
		ContactAttenuationThreshold: c.Aggregation.ContactAttenuation,
		EventThreshold:              c.Aggregation.EventThreshold,
		Baseline:                    baseline,
	}
}

// Policy returns the exposure policy.
func (c Config) Policy() exposure.Policy {
	return exposure.Policy{
		AttenuationLow:    c.Exposure.AttenuationLow,
		AttenuationMedium: c.Exposure.AttenuationMedium,
		FactorLow:         c.Exposure.FactorLow,
		FactorMedium:      c.Exposure.FactorMedium,
		MinDuration:       c.Exposure.MinDuration.Duration(),
		Window:            c.Aggregation.Window.Duration(),
		DaysToConsider:    c.Exposure.DaysToConsider,
	}
}
