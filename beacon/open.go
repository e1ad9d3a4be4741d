package beacon

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/TheusHen/beacon/beacon/backend"
	"github.com/TheusHen/beacon/beacon/config"
	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/metrics"
	"github.com/TheusHen/beacon/beacon/signing"
	"github.com/TheusHen/beacon/beacon/store"
	"github.com/TheusHen/beacon/beacon/store/memory"
	"github.com/TheusHen/beacon/beacon/store/pebblekv"
	"github.com/TheusHen/beacon/beacon/store/sqlite"
	"github.com/TheusHen/beacon/beacon/transport/quic"
)

const (
	masterKeyFile = "master.key"
	masterKeySize = 32
	kvDir         = "kv"
	recordsFile   = "records.db"
)

// Open builds a Tracer on the storage and backend described by cfg. The KV is
// encrypted with a key derived from a random master key kept in the data dir.
func Open(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*Tracer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deps := Deps{Metrics: m, Logger: logger}
	fail := func(err error) (*Tracer, error) {
		for i := len(deps.Closers) - 1; i >= 0; i-- {
			_ = deps.Closers[i]()
		}
		return nil, err
	}

	if cfg.Storage.KV != "memory" || cfg.Storage.Records != "memory" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
	}

	switch cfg.Storage.KV {
	case "memory":
		deps.KV = memory.NewKV()
	default:
		master, err := loadMasterKey(filepath.Join(cfg.DataDir, masterKeyFile))
		if err != nil {
			return nil, err
		}
		storageKey, err := crypto.DeriveStorageKey(master)
		if err != nil {
			return nil, err
		}
		kv, err := pebblekv.Open(filepath.Join(cfg.DataDir, kvDir), storageKey)
		if err != nil {
			return nil, err
		}
		deps.KV = kv
		deps.Closers = append(deps.Closers, kv.Close)
	}

	var records store.Records
	switch cfg.Storage.Records {
	case "memory":
		records = memory.NewRecords()
	default:
		db, err := sqlite.Open(filepath.Join(cfg.DataDir, recordsFile))
		if err != nil {
			return fail(err)
		}
		records = db
	}
	deps.Records = records
	deps.Closers = append(deps.Closers, records.Close)

	if cfg.Backend.BaseURL != "" {
		client, err := newBackendClient(cfg.Backend, logger)
		if err != nil {
			return fail(err)
		}
		deps.Backend = client
	}

	t, err := New(cfg, deps)
	if err != nil {
		return fail(err)
	}
	return t, nil
}

func newBackendClient(cfg config.BackendConfig, logger *slog.Logger) (*backend.Client, error) {
	var verifier *signing.Verifier
	if cfg.PublicKey != "" {
		key, err := signing.ParsePublicKey([]byte(cfg.PublicKey))
		if err != nil {
			return nil, err
		}
		if verifier, err = signing.NewVerifier(key); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("backend_public_key_missing", "base_url", cfg.BaseURL)
	}

	var httpClient *http.Client
	if cfg.HTTP3 {
		httpClient = quic.NewHTTPClient(cfg.Insecure, cfg.Timeout.Duration())
	} else {
		httpClient = &http.Client{Timeout: cfg.Timeout.Duration()}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return backend.New(backend.Options{
		BaseURL:      cfg.BaseURL,
		ReportURL:    cfg.ReportURL,
		Verifier:     verifier,
		MaxClockSkew: cfg.MaxClockSkew.Duration(),
		UserAgent:    cfg.UserAgent,
		HTTPClient:   httpClient,
		Limiter:      limiter,
		Logger:       logger,
	})
}

// loadMasterKey reads the master key at path, creating it on first use.
func loadMasterKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(b) != masterKeySize {
			return nil, fmt.Errorf("beacon: master key %s: want %d bytes, got %d", path, masterKeySize, len(b))
		}
		return b, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	b = make([]byte, masterKeySize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, err
	}
	return b, nil
}
