package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/TheusHen/beacon/beacon"
	"github.com/TheusHen/beacon/beacon/metrics"
	"github.com/TheusHen/beacon/beacon/scheduler"
)

// NewRunCmd runs the engine jobs until interrupted.
func NewRunCmd() *cobra.Command {
	var syncNow bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run aggregation, sync, uploads and decoys on their schedules",
		Long: `Run the periodic jobs of the engine on the cron schedules of the
configuration until interrupted. A failing job is retried with exponential
backoff. When metrics.addr is set, Prometheus metrics are served on /metrics
and the engine status on /status.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(true)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sch := scheduler.New(scheduler.Options{MaxBackoff: s.cfg.Schedule.MaxBackoff.Duration(), Logger: s.logger})
			for _, j := range s.tracer.Jobs() {
				if err := sch.Add(j); err != nil {
					return err
				}
			}

			if addr := s.cfg.Metrics.Addr; addr != "" {
				srv := &http.Server{Addr: addr, Handler: newOpsRouter(s.tracer, s.metrics), ReadHeaderTimeout: 10 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						s.logger.Error("metrics_server_failed", "addr", addr, "err", err)
						stop()
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				s.logger.Info("metrics_listening", "addr", addr)
			}

			if syncNow {
				if err := sch.RunNow(ctx, beacon.JobSync); err != nil {
					s.logger.Warn("initial_sync_failed", "err", err)
				}
			}

			s.logger.Info("engine_started", "jobs", len(s.tracer.Jobs()))
			err = sch.Run(ctx)
			s.logger.Info("engine_stopped")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&syncNow, "sync-now", false, "sync once before the first scheduled run")
	return cmd
}

func newOpsRouter(t *beacon.Tracer, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := t.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	return r
}
