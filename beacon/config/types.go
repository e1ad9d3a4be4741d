package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads from YAML as "90s", "2h" or a plain
// number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

// BackendConfig points at the dissemination backend.
type BackendConfig struct {
	BaseURL   string `yaml:"base_url"`
	ReportURL string `yaml:"report_url,omitempty"`
	// PublicKey is the PEM (or base64 PEM) key batches are signed with.
	PublicKey    string   `yaml:"public_key"`
	MaxClockSkew Duration `yaml:"max_clock_skew"`
	Timeout      Duration `yaml:"timeout"`
	UserAgent    string   `yaml:"user_agent,omitempty"`
	// HTTP3 sends requests over QUIC.
	HTTP3 bool `yaml:"http3"`
	// Insecure skips TLS verification; only for local test backends.
	Insecure bool `yaml:"insecure,omitempty"`
	// RequestsPerSecond limits backend calls; zero means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ProtocolConfig holds key rotation and sync timing.
type ProtocolConfig struct {
	Epoch         Duration `yaml:"epoch"`
	RetentionDays int      `yaml:"retention_days"`
	BatchLength   Duration `yaml:"batch_length"`
	SyncWindow    int      `yaml:"sync_window_days"`
}

// AggregationConfig holds the handshake aggregation thresholds in dB.
type AggregationConfig struct {
	Window             Duration `yaml:"window"`
	BadAttenuation     float64  `yaml:"bad_attenuation"`
	ContactAttenuation float64  `yaml:"contact_attenuation"`
	EventThreshold     float64  `yaml:"event_threshold"`
	Baseline           string   `yaml:"baseline"`
	Calibration        bool     `yaml:"calibration"`
}

// ExposureConfig is the exposure policy.
type ExposureConfig struct {
	AttenuationLow    float64  `yaml:"attenuation_low"`
	AttenuationMedium float64  `yaml:"attenuation_medium"`
	FactorLow         float64  `yaml:"factor_low"`
	FactorMedium      float64  `yaml:"factor_medium"`
	MinDuration       Duration `yaml:"min_duration"`
	DaysToConsider    int      `yaml:"days_to_consider"`
	DayRetentionDays  int      `yaml:"day_retention_days"`
}

// DecoyConfig controls fake report traffic.
type DecoyConfig struct {
	Enabled bool `yaml:"enabled"`
	// Mean is the mean gap between decoys.
	Mean Duration `yaml:"mean"`
	// MinGap is the shortest allowed gap between two decoys.
	MinGap Duration `yaml:"min_gap"`
}

// ScheduleConfig holds the cron expressions of the daemon jobs.
type ScheduleConfig struct {
	Aggregate string `yaml:"aggregate"`
	Sync      string `yaml:"sync"`
	Drain     string `yaml:"drain"`
	Decoy     string `yaml:"decoy"`
	// MaxBackoff caps the retry delay of a failing job.
	MaxBackoff Duration `yaml:"max_backoff"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Sink   string `yaml:"sink"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. "127.0.0.1:9464".
	Addr string `yaml:"addr"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	// Records is sqlite or memory.
	Records string `yaml:"records"`
	// KV is pebble or memory.
	KV string `yaml:"kv"`
}
