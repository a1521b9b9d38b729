// Package outboxworker runs the long-lived sync process: the outbox drain
// loop, the sensor observer and the status server.
package outboxworker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fitiq/fitiq-sync/internal/api"
	"github.com/fitiq/fitiq-sync/internal/config"
	"github.com/fitiq/fitiq-sync/internal/factory"
	"github.com/fitiq/fitiq-sync/internal/health"
	"github.com/fitiq/fitiq-sync/internal/logger"
	"github.com/fitiq/fitiq-sync/internal/model"
)

const healthInterval = 15 * time.Second

// Run loads config from the environment, starts the worker and blocks until
// SIGINT/SIGTERM or a fatal error.
func Run() error {
	log := logger.New("outbox-worker")

	cfg, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunWithConfig(ctx, cfg, log)
}

// RunWithConfig runs the worker until ctx ends.
func RunWithConfig(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("db_driver", cfg.DBDriver).
		Str("remote_base_url", cfg.RemoteBaseURL).
		Int("http_port", cfg.HTTPPort).
		Msg("outbox worker starting")

	app, err := factory.NewApp(ctx, cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("wiring failed")
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}()

	svcHealth := startHealthCheckers(ctx, app, log)
	router := api.NewRouter(api.Deps{
		Sync:       app.Engine,
		Trigger:    app.Processor.Trigger,
		Healthy:    svcHealth.IsHealthy,
		Components: svcHealth.Components,
	})
	server := &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.Processor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("outbox: %w", err)
		}
	}()

	if cfg.OwnerID != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := app.Engine.InitialSync(runCtx, model.Kinds); err != nil {
				log.Warn().Err(err).Msg("initial sync incomplete")
			}
			if err := app.Engine.ObserveAndSync(runCtx, model.Kinds); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("sensor observer stopped")
			}
		}()
	} else {
		log.Warn().Msg("VITALSYNC_OWNER_ID not set; sensor observer disabled")
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("status server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Stack().Err(runErr).Msg("worker failed")
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status server forced to shutdown")
	}
	wg.Wait()
	log.Info().Msg("outbox worker exited")
	return runErr
}

// startHealthCheckers probes the store and the backend and folds both into
// the service flag served on /healthz.
func startHealthCheckers(ctx context.Context, app *factory.App, log zerolog.Logger) *health.ServiceHealthChecker {
	probeTimeout := app.Config.RemoteTimeout
	storeChecker := health.NewPingChecker("store", app.Store, log, 2*time.Second)
	remoteChecker := health.NewPingChecker("backend", health.PingFunc(app.Remote.Ping), log, probeTimeout)
	go storeChecker.Start(ctx, healthInterval)
	go remoteChecker.Start(ctx, healthInterval)

	svc := health.NewServiceHealthChecker(log, storeChecker, remoteChecker)
	go svc.Start(ctx, healthInterval)
	return svc
}
