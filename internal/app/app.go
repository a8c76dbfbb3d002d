// Package app wires configuration, storage and delivery into a dispatch service.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/blockedby/scheduled-mailer/internal/config"
	"github.com/blockedby/scheduled-mailer/internal/database"
	"github.com/blockedby/scheduled-mailer/internal/dispatcher"
	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/mailer"
	"github.com/blockedby/scheduled-mailer/internal/migrator"
	"github.com/blockedby/scheduled-mailer/internal/nats"
	"github.com/blockedby/scheduled-mailer/internal/publisher"
	"github.com/blockedby/scheduled-mailer/internal/repository"
	"github.com/blockedby/scheduled-mailer/internal/telemetry"
	"github.com/blockedby/scheduled-mailer/migrations"
)

// App holds the long-lived dependencies shared by the binaries.
type App struct {
	Config   *config.Config
	DB       *database.DB
	NATS     *nats.Client // nil when publishing is disabled
	Service  *dispatcher.Service
	Stats    *repository.StatsRepository
	Runs     *repository.RunsRepository
	Registry *prometheus.Registry
}

// New connects to the database (and NATS when configured) and builds the
// dispatch service.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	// 1. Apply migrations when asked
	if cfg.MigrateOnStart {
		m, err := migrator.NewWithFS(migrations.FS)
		if err != nil {
			return nil, err
		}
		if err := m.Up(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		log.Info().Msg("migrations applied")
	}

	// 2. Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	a := &App{
		Config:   cfg,
		DB:       db,
		Stats:    repository.NewStatsRepository(db.Pool),
		Runs:     repository.NewRunsRepository(db.GORM),
		Registry: NewRegistry(),
	}

	// 3. Connect to NATS (optional)
	var events dispatcher.EventPublisher
	if cfg.NatsURL != "" {
		nc, err := nats.New(ctx, cfg.NatsURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
		} else {
			if err := nc.EnsureStream(ctx, publisher.StreamName, publisher.StreamSubjects); err != nil {
				log.Warn().Err(err).Msg("failed to ensure dispatch stream")
			}
			a.NATS = nc
			events = publisher.NewNATSPublisher(nc)
		}
	}

	// 4. Delivery
	sender, err := NewSender(cfg.Delivery, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	// 5. Dispatch service
	deps := dispatcher.ServiceDeps{
		Items:      repository.NewScheduledItemsRepository(db.Pool, log),
		Recipients: repository.NewRecipientsRepository(db.Pool),
		Records:    repository.NewSentRecordsRepository(db.Pool),
		Sender:     sender,
		Runs:       a.Runs,
		Events:     events,
		Metrics:    telemetry.NewMetrics("", a.Registry),
	}

	svc, err := dispatcher.NewService(DispatchConfig(cfg.Dispatch), deps, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Service = svc

	return a, nil
}

// Close releases connections.
func (a *App) Close() {
	if a.NATS != nil {
		a.NATS.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// DispatchConfig maps the loaded options onto the dispatcher's.
func DispatchConfig(c config.DispatchConfig) dispatcher.Config {
	return dispatcher.Config{
		BatchSize:          c.BatchSize,
		Workers:            c.Workers,
		CallTimeout:        c.CallTimeout,
		InvocationDeadline: c.InvocationDeadline,
		MaxAttempts:        c.MaxAttempts,
		ReconcileLimit:     c.ReconcileLimit,
	}
}

// NewSender builds the configured provider behind a rate limiter.
func NewSender(c config.DeliveryConfig, log *logger.Logger) (mailer.Sender, error) {
	var next mailer.Sender
	switch c.Provider {
	case "resend":
		if c.ResendAPIKey == "" {
			return nil, errors.New("resend provider requires an API key")
		}
		next = mailer.NewResendSender(mailer.ResendConfig{
			APIKey:    c.ResendAPIKey,
			FromEmail: c.FromEmail,
			FromName:  c.FromName,
		}, mailer.WithLogger(log))
	case "log":
		next = mailer.NewLogSender(log)
	default:
		return nil, fmt.Errorf("unknown delivery provider: %q", c.Provider)
	}

	burst := c.Burst
	if burst < 1 {
		burst = 1
	}
	return mailer.NewRateLimitedSender(next, mailer.NewRateLimiter(c.RatePerSecond, burst)), nil
}

// NewRegistry returns a registry with the process and runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
