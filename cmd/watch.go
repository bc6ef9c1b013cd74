package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/server"
)

func newWatchCmd() *cobra.Command {
	var (
		interval time.Duration
		addr     string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll for new messages on an interval",
		Long: `Run a batch every interval until interrupted.

While watching, a single listener serves:
  /metrics           Prometheus metrics (when the prometheus exporter is active)
  /healthz, /readyz  liveness and readiness probes
  /healthz/detailed  uptime and the last batch summary
  /oauth/callback    the Google consent redirect`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("interval") {
				interval = a.cfg.Pipeline.WatchInterval
			}
			if !cmd.Flags().Changed("addr") {
				addr = a.cfg.Server.Addr
			}
			if interval <= 0 {
				return apperrors.Configf("watch", "interval must be positive, got %s", interval)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := a.startInstrumentation(ctx); err != nil {
				return err
			}
			defer a.shutdown(context.Background())

			deps, err := a.buildPipeline(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			return watch(ctx, a, deps, interval, addr)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "Time between batches (default pipeline.watch_interval from config)")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address for metrics, health and the OAuth callback (default server.addr from config)")
	return cmd
}

func watch(ctx context.Context, a *app, deps *pipelineDeps, interval time.Duration, addr string) error {
	logger := logging.WithOperation(a.logger, "watch")

	health := server.NewHealthChecker()
	srv, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    addr,
		InstrumentationProvider: a.provider,
		Logger:                  a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics server: %w", err)
	}
	health.RegisterHealthEndpoints(srv)

	if deps.gmail != nil {
		health.AddCheck("gmail", func(context.Context) error {
			if state := deps.gmail.BreakerState(); state == "open" {
				return fmt.Errorf("circuit breaker %s", state)
			}
			return nil
		})
	}
	if deps.manager != nil {
		state := uuid.NewString()
		srv.Handle(server.CallbackPath, server.NewCallbackHandler(deps.manager, a.account(), state,
			server.WithCallbackLogger(a.logger)))
		if !deps.manager.Connected(a.account()) {
			authURL, err := deps.manager.AuthorizationURL(state)
			if err != nil {
				return err
			}
			logger.Warn("account not connected; open the consent URL to connect", "url", authURL)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		err := srv.Start()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	defer func() {
		health.SetShuttingDown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", logging.Err(err))
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary, err := runBatch(ctx, a, deps.orchestrator)
		health.RecordBatch(summary)
		if err != nil && ctx.Err() == nil {
			// Auth and config problems persist until someone acts, but the
			// callback may fix the former, so keep polling.
			logger.Warn("batch failed; will retry next interval", "reason", apperrors.Reason(err))
		}

		select {
		case <-ctx.Done():
			logger.Info("stopping")
			return nil
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		case <-ticker.C:
		}
	}
}
