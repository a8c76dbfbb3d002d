package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/mailer"
	"github.com/blockedby/scheduled-mailer/internal/models"
	"github.com/blockedby/scheduled-mailer/internal/publisher"
)

// Trigger names recorded on every run.
const (
	TriggerCron = "cron"
	TriggerHTTP = "http"
	TriggerCLI  = "cli"
)

// Service is the entry point for an invocation: reconcile, run a batch,
// then record and announce the result.
type Service struct {
	batch      *BatchDispatcher
	reconciler *Reconciler
	items      ItemStore
	records    SentRecordStore
	runs       RunRecorder
	events     EventPublisher
	metrics    MetricsRecorder
	log        *logger.Logger
	cfg        Config
	now        func() time.Time
}

// ServiceDeps lists the collaborators of a Service. Runs, Events, Metrics
// and Quota are optional.
type ServiceDeps struct {
	Items      ItemStore
	Recipients RecipientStore
	Records    SentRecordStore
	Sender     mailer.Sender
	Runs       RunRecorder
	Events     EventPublisher
	Metrics    MetricsRecorder
	Quota      QuotaGate
	Now        func() time.Time
	Recorder   []RecorderOption
}

// NewService wires the dispatcher components.
func NewService(cfg Config, deps ServiceDeps, log *logger.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Items == nil || deps.Recipients == nil || deps.Records == nil || deps.Sender == nil {
		return nil, fmt.Errorf("%w: items, recipients, records and sender are required", ErrInvalidConfig)
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	selector, err := NewSelector(deps.Items, cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	recorderOpts := append([]RecorderOption{WithClock(now)}, deps.Recorder...)
	recorder := NewRecorder(deps.Items, deps.Records, cfg, log, recorderOpts...)

	batchOpts := []BatchOption{WithNow(now)}
	if deps.Quota != nil {
		batchOpts = append(batchOpts, WithQuotaGate(deps.Quota))
	}
	batch, err := NewBatchDispatcher(cfg, selector, NewResolver(deps.Recipients), deps.Sender, deps.Records, recorder, log, batchOpts...)
	if err != nil {
		return nil, err
	}

	return &Service{
		batch:      batch,
		reconciler: NewReconciler(deps.Items, deps.Records, recorder, log),
		items:      deps.Items,
		records:    deps.Records,
		runs:       deps.Runs,
		events:     deps.Events,
		metrics:    deps.Metrics,
		log:        log,
		cfg:        cfg,
		now:        now,
	}, nil
}

// Trigger runs one invocation. It is safe to call repeatedly and
// concurrently. The error is non-nil only when selection failed, in which
// case no item was touched.
func (s *Service) Trigger(ctx context.Context, trigger string) (*BatchResult, error) {
	run := &models.DispatchRun{
		ID:        uuid.New(),
		Trigger:   trigger,
		StartedAt: s.now().UTC(),
	}

	// the deadline covers the reconcile pass and the batch together
	runCtx := ctx
	if s.cfg.InvocationDeadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.InvocationDeadline)
		defer cancel()
	}

	reconciled, err := s.Reconcile(runCtx, s.cfg.ReconcileLimit)
	if err != nil {
		s.log.Warn().Err(err).Msg("reconcile pass before batch failed")
	}

	result, err := s.batch.Run(runCtx)
	run.FinishedAt = s.now().UTC()
	if err != nil {
		msg := err.Error()
		run.Error = &msg
		run.Reconciled = reconciled
		s.recordRun(ctx, run)
		if s.metrics != nil {
			s.metrics.ObserveBatch(trigger, run.Duration(), true)
		}
		s.log.Error().Err(err).Str("trigger", trigger).Msg("dispatch invocation aborted")
		return nil, err
	}
	result.Reconciled += reconciled

	run.Processed = result.Processed
	run.Sent = result.Sent
	run.Failed = result.Failed
	run.Pending = result.Pending
	run.Ambiguous = result.Ambiguous
	run.Reconciled = result.Reconciled
	s.recordRun(ctx, run)
	s.publish(ctx, run, result)

	if s.metrics != nil {
		for _, it := range result.Items {
			s.metrics.ObserveItem(string(it.Outcome))
		}
		s.metrics.ObserveBatch(trigger, run.Duration(), false)
	}

	s.log.Info().
		Str("run_id", run.ID.String()).
		Str("trigger", trigger).
		Int("processed", result.Processed).
		Int("sent", result.Sent).
		Int("failed", result.Failed).
		Int("pending", result.Pending).
		Int("ambiguous", result.Ambiguous).
		Int("reconciled", result.Reconciled).
		Dur("duration", run.Duration()).
		Msg("dispatch invocation finished")

	return result, nil
}

// Reconcile flips up to limit ambiguous leftovers to SENT.
func (s *Service) Reconcile(ctx context.Context, limit int) (int, error) {
	n, err := s.reconciler.Reconcile(ctx, limit)
	if n > 0 && s.metrics != nil {
		s.metrics.AddReconciled(n)
	}
	return n, err
}

// ItemStatus is what the composing user sees for one item.
type ItemStatus struct {
	ID            uuid.UUID        `json:"id"`
	State         models.ItemState `json:"state"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Attempts      int              `json:"attempts"`
	SentAt        *time.Time       `json:"sent_at,omitempty"`
	SendAt        time.Time        `json:"send_at"`
}

// ItemStatus returns the user-visible state of an item. A pending item
// with a SentRecord is reported SENT: it was handed to the provider and
// only the state flip is outstanding.
func (s *Service) ItemStatus(ctx context.Context, id uuid.UUID) (*ItemStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	item, err := s.items.GetByID(callCtx, id)
	cancel()
	if err != nil {
		return nil, storeError("get item", err)
	}
	if item == nil {
		return nil, fmt.Errorf("item %s: %w", id, ErrItemNotFound)
	}

	status := &ItemStatus{
		ID:       item.ID,
		State:    item.State,
		Attempts: item.Attempts,
		SentAt:   item.SentAt,
		SendAt:   item.SendAt,
	}
	if item.FailureReason != nil {
		status.FailureReason = *item.FailureReason
	}

	if item.State == models.ItemStatePending {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		rec, err := s.records.GetByItemID(callCtx, id)
		cancel()
		if err != nil {
			return nil, storeError("get sent record", err)
		}
		if rec != nil {
			sentAt := rec.SentAt
			status.State = models.ItemStateSent
			status.SentAt = &sentAt
		}
	}

	return status, nil
}

func (s *Service) recordRun(ctx context.Context, run *models.DispatchRun) {
	if s.runs == nil {
		return
	}
	if err := s.runs.Create(context.WithoutCancel(ctx), run); err != nil {
		s.log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("failed to record dispatch run")
	}
}

func (s *Service) publish(ctx context.Context, run *models.DispatchRun, result *BatchResult) {
	if s.events == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	for _, it := range result.Items {
		err := s.events.PublishItemOutcome(ctx, publisher.ItemOutcomeEvent{
			RunID:   run.ID,
			ItemID:  it.ItemID,
			Outcome: string(it.Outcome),
			Reason:  it.Reason,
			At:      run.FinishedAt,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("item_id", it.ItemID.String()).Msg("failed to publish item outcome")
		}
	}

	err := s.events.PublishBatchCompleted(ctx, publisher.BatchCompletedEvent{
		RunID:      run.ID,
		Trigger:    run.Trigger,
		Processed:  result.Processed,
		Sent:       result.Sent,
		Failed:     result.Failed,
		Pending:    result.Pending,
		Ambiguous:  result.Ambiguous,
		Reconciled: result.Reconciled,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("failed to publish batch summary")
	}
}
