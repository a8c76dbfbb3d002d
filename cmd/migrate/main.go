// Command migrate applies the embedded schema migrations.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockedby/scheduled-mailer/internal/config"
	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/migrator"
	"github.com/blockedby/scheduled-mailer/migrations"
)

func main() {
	steps := flag.Int("steps", 0, "apply n migrations (negative rolls back); 0 applies all pending")
	version := flag.Bool("version", false, "print the current schema version and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON}); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get().Component("migrate")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m, err := migrator.NewWithFS(migrations.FS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load migrations")
	}

	switch {
	case *version:
		v, dirty, err := m.Version(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read schema version")
		}
		log.Info().Uint("version", v).Bool("dirty", dirty).Msg("schema version")
		return
	case *steps != 0:
		err = m.Steps(ctx, cfg.DatabaseURL, *steps)
	default:
		err = m.Up(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	log.Info().Msg("migrations complete")
}
