// Command dispatch-once runs a single dispatch invocation and prints its
// result as JSON. It is meant to be driven by an external scheduler.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockedby/scheduled-mailer/internal/app"
	"github.com/blockedby/scheduled-mailer/internal/config"
	"github.com/blockedby/scheduled-mailer/internal/dispatcher"
	"github.com/blockedby/scheduled-mailer/internal/logger"
)

func main() {
	reconcileOnly := flag.Bool("reconcile-only", false, "only flip ambiguous leftovers to SENT")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// stdout carries the result, logs go to stderr
	log, err := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, JSON: cfg.LogJSON, Stderr: true})
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize")
		os.Exit(1)
	}
	defer a.Close()

	if *reconcileOnly {
		n, err := a.Service.Reconcile(ctx, cfg.Dispatch.ReconcileLimit)
		writeJSON(map[string]int{"reconciled": n})
		if err != nil {
			log.Error().Err(err).Msg("reconcile failed")
			a.Close()
			os.Exit(1)
		}
		return
	}

	result, err := a.Service.Trigger(ctx, dispatcher.TriggerCLI)
	if err != nil {
		log.Error().Err(err).Msg("dispatch failed")
		a.Close()
		os.Exit(1)
	}
	writeJSON(result)
}

func writeJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
