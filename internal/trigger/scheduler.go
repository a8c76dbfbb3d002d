// Package trigger runs dispatch invocations on a cron schedule.
package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/blockedby/scheduled-mailer/internal/dispatcher"
	"github.com/blockedby/scheduled-mailer/internal/logger"
)

// Runner performs one dispatch invocation.
type Runner interface {
	Trigger(ctx context.Context, trigger string) (*dispatcher.BatchResult, error)
}

// Scheduler fires Runner.Trigger on a schedule. A tick that arrives while the
// previous invocation is still running is skipped.
type Scheduler struct {
	cron   *cron.Cron
	job    cron.Job
	runner Runner
	log    *logger.Logger

	mu  sync.Mutex
	ctx context.Context
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler parses schedule (five-field cron or a descriptor such as
// "@every 1m") and prepares the job.
func NewScheduler(schedule string, runner Runner, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.Get()
	}
	log = log.Component("trigger")

	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	s := &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{log})),
		runner: runner,
		log:    log,
		ctx:    context.Background(),
	}
	s.job = cron.NewChain(
		cron.Recover(cronLogger{log}),
		cron.SkipIfStillRunning(cronLogger{log}),
	).Then(cron.FuncJob(s.tick))
	s.cron.Schedule(sched, s.job)

	return s, nil
}

// Start begins firing. Invocations run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info().Msg("dispatch scheduler started")
}

// Stop halts the schedule and returns a context that is done once the
// running invocation, if any, has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	if _, err := s.runner.Trigger(ctx, dispatcher.TriggerCron); err != nil {
		s.log.Error().Err(err).Msg("scheduled dispatch failed")
	}
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
