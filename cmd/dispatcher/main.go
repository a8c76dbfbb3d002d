package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blockedby/scheduled-mailer/internal/app"
	"github.com/blockedby/scheduled-mailer/internal/config"
	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/trigger"
	"github.com/blockedby/scheduled-mailer/internal/web"
	"github.com/blockedby/scheduled-mailer/internal/web/handlers"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 2. Initialize logger
	if err := logger.Init(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, JSON: cfg.LogJSON}); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()
	log.Info().Str("provider", cfg.Delivery.Provider).Msg("starting dispatcher service")

	// 3. Setup context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 4. Wire database, nats and the dispatch service
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	// 5. Schedule invocations
	scheduler, err := trigger.NewScheduler(cfg.Dispatch.Schedule, a.Service, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid dispatch schedule")
	}
	scheduler.Start(ctx)

	// 6. Initialize web server
	server := web.NewServer(&web.Config{
		Port:           cfg.HTTPPort,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.Dispatch.InvocationDeadline + 30*time.Second,
	},
		web.WithGatherer(a.Registry),
		web.WithHealthCheck("database", a.DB.Ping),
	)
	server.RegisterDispatchHandler(handlers.NewDispatchHandler(a.Service, a.Stats, a.Runs, log))
	server.RegisterStatsHandler(handlers.NewStatsHandler(a.Stats))

	// 7. Start server
	log.Info().Int("port", cfg.HTTPPort).Msg("starting web server")
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	// 8. Wait for shutdown
	<-ctx.Done()
	log.Info().Msg("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Dispatch.InvocationDeadline+10*time.Second)
	defer shutdownCancel()

	// the running invocation finishes its in-flight items
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("dispatch still running at shutdown")
	}

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	log.Info().Msg("shutdown complete")
}
