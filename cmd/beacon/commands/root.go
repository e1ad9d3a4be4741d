// Package commands implements the beacon CLI.
package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/TheusHen/beacon/beacon"
	"github.com/TheusHen/beacon/beacon/config"
	"github.com/TheusHen/beacon/beacon/logging"
	"github.com/TheusHen/beacon/beacon/metrics"
)

var (
	configPath string
	envFile    string
	logLevel   string
	dataDir    string
)

var versionInfo = struct{ Version, Commit string }{"dev", "none"}

// SetVersion records build information for the version command.
func SetVersion(version, commit string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
}

// Execute runs the root command.
func Execute() error { return NewRootCmd().Execute() }

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beacon",
		Short: "Decentralized proximity tracing engine",
		Long: `beacon runs the device side of a decentralized proximity tracing
protocol: it broadcasts rotating ephemeral ids, records the ids it hears,
downloads the keys of confirmed cases and reports exposure days.

Configuration is read from --config (or the XDG config dirs), then from
BEACON_* environment variables, which may be set in a .env file.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file (default: $XDG_CONFIG_HOME/beacon/config.yaml)")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file with BEACON_* variables")
	pf.StringVar(&logLevel, "log-level", "", "override the configured log level")
	pf.StringVar(&dataDir, "data-dir", "", "override the configured data directory")

	cmd.AddCommand(
		NewInitCmd(),
		NewStatusCmd(),
		NewIDCmd(),
		NewAggregateCmd(),
		NewSyncCmd(),
		NewReportCmd(),
		NewDrainCmd(),
		NewDecoyCmd(),
		NewExposureCmd(),
		NewClearCmd(),
		NewExportCmd(),
		NewRunCmd(),
		NewBackendCmd(),
		NewVersionCmd(),
	)
	return cmd
}

// loadConfig applies the global flags on top of the loaded configuration.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	return logging.New(logging.Options{Level: cfg.Log.Level, Sink: cfg.Log.Sink, Format: cfg.Log.Format})
}

// session is an opened engine together with what it was opened with.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  *beacon.Tracer
	closeFn func() error
}

func (s *session) Close() error {
	err := s.tracer.Close()
	if cerr := s.closeFn(); err == nil {
		err = cerr
	}
	return err
}

func openSession(withMetrics bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	var m *metrics.Metrics
	if withMetrics {
		m = metrics.New()
	}
	t, err := beacon.Open(cfg, logger, m)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("opening engine: %w", err)
	}
	return &session{cfg: cfg, logger: logger, metrics: m, tracer: t, closeFn: closeLog}, nil
}
