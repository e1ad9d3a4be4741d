package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/beacon/beacon/backend/backendtest"
	"github.com/TheusHen/beacon/beacon/signing"
	"github.com/TheusHen/beacon/beacon/transport/quic"
)

// NewBackendCmd serves a local dissemination backend.
func NewBackendCmd() *cobra.Command {
	var (
		addr        string
		keyFile     string
		http3       bool
		publish     bool
		batchLength time.Duration
	)
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve a local test backend",
		Long: `Serve an in-memory dissemination backend for local testing. Batches
are signed with the key in --key-file, which is created on first use; its
public key is printed so devices can pin it with BEACON_PUBLIC_KEY.

With --http3 the backend is served over QUIC with a self-signed certificate;
devices then need backend.http3 and backend.insecure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			kp, err := loadOrCreateKey(keyFile)
			if err != nil {
				return err
			}
			fake, err := backendtest.New(backendtest.Options{
				Keys:           kp,
				BatchLength:    batchLength,
				PublishReports: publish,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			pub, err := kp.PublicKeyPEM()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s", pub)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if http3 {
				srv, err := quic.Listen(addr, fake.Handler())
				if err != nil {
					return err
				}
				logger.Info("backend_listening", "url", srv.URL(), "transport", "http3")
				<-ctx.Done()
				return srv.Close()
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			srv := &http.Server{Handler: fake.Handler(), ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()
			logger.Info("backend_listening", "url", "http://"+ln.Addr().String(), "transport", "http")
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	f.StringVar(&keyFile, "key-file", "backend-key.pem", "PEM signing key, created if missing")
	f.BoolVar(&http3, "http3", false, "serve over HTTP/3")
	f.BoolVar(&publish, "publish-reports", true, "publish reported keys in the next batch")
	f.DurationVar(&batchLength, "batch-length", 2*time.Hour, "batch release interval")
	return cmd
}

func loadOrCreateKey(path string) (signing.KeyPair, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return signing.ParseKeyPair(b)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return signing.KeyPair{}, err
	}
	kp, err := signing.GenerateKeyPair(signing.ES256)
	if err != nil {
		return signing.KeyPair{}, err
	}
	if b, err = kp.PrivateKeyPEM(); err != nil {
		return signing.KeyPair{}, err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return signing.KeyPair{}, err
	}
	return kp, nil
}
