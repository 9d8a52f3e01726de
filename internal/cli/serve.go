package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpserver "github.com/iago/membership-intake/internal/http"
	"github.com/iago/membership-intake/internal/http/handlers"
	"github.com/iago/membership-intake/internal/telemetry"
	"github.com/iago/membership-intake/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var maxUploadBytes int64
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the watcher, queue manager, delivery scheduler and admin API",
		Long: `Serve runs every long-lived component until SIGINT or SIGTERM:

  - reconciles jobs left behind by a previous process
  - watches INTAKE_DIR and queues settled spreadsheets
  - processes queued jobs one at a time
  - delivers scheduled e-mail when SMTP_HOST is set
  - serves the admin API and event stream on HTTP_ADDR`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				return serve(ctx, rt, maxUploadBytes)
			})
		},
	}
	cmd.Flags().Int64Var(&maxUploadBytes, "max-upload-bytes", 32<<20, "largest accepted API upload")
	return cmd
}

func serve(ctx context.Context, rt *runtime, maxUploadBytes int64) error {
	cfg, logger := rt.cfg, rt.logger

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces failed", "error", err)
		}
	}()

	report, err := rt.manager.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	logger.Info("reconciled jobs", "interrupted", report.Interrupted, "requeued", report.Requeued, "active", report.Active)

	group, ctx := errgroup.WithContext(ctx)

	if cfg.WorkerEnabled {
		group.Go(func() error { return rt.manager.Run(ctx) })
	} else {
		logger.Info("worker disabled by configuration")
	}
	if rt.scheduler != nil {
		group.Go(func() error { return rt.scheduler.Run(ctx) })
	} else {
		logger.Info("SMTP_HOST not configured, message delivery disabled")
	}
	if cfg.WatcherEnabled {
		w := watcher.New(rt.service, watcher.Config{
			Dir:             cfg.IntakeDir,
			Extensions:      cfg.IntakeExtensions,
			ExcludePatterns: cfg.IntakeExclude,
			ExcludeDirs:     cfg.IntakeExcludeDirs,
			StabilityWindow: cfg.StabilityWindow,
			Logger:          logger,
		})
		group.Go(func() error { return w.Run(ctx) })
	} else {
		logger.Info("watcher disabled by configuration")
	}

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpserver.NewRouter(ctx, httpserver.RouterDependencies{
			API:            handlers.NewAPI(rt.service, maxUploadBytes),
			Events:         rt.hub,
			Logger:         logger,
			AuthToken:      cfg.AuthToken,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	group.Go(func() error {
		logger.Info("api listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	return group.Wait()
}
