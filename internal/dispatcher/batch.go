package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/mailer"
	"github.com/blockedby/scheduled-mailer/internal/models"
)

// BatchDispatcher runs one invocation: select due items, then deliver and
// record each one independently.
type BatchDispatcher struct {
	cfg      Config
	selector *Selector
	resolver *Resolver
	sender   mailer.Sender
	records  SentRecordStore
	recorder *Recorder
	quota    QuotaGate
	log      *logger.Logger
	now      func() time.Time
}

// BatchOption configures a BatchDispatcher.
type BatchOption func(*BatchDispatcher)

// WithQuotaGate consults gate before every send.
func WithQuotaGate(gate QuotaGate) BatchOption {
	return func(d *BatchDispatcher) {
		d.quota = gate
	}
}

// WithNow sets the clock used to decide which items are due.
func WithNow(now func() time.Time) BatchOption {
	return func(d *BatchDispatcher) {
		d.now = now
	}
}

// NewBatchDispatcher creates a new batch dispatcher.
func NewBatchDispatcher(
	cfg Config,
	selector *Selector,
	resolver *Resolver,
	sender mailer.Sender,
	records SentRecordStore,
	recorder *Recorder,
	log *logger.Logger,
	opts ...BatchOption,
) (*BatchDispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &BatchDispatcher{
		cfg:      cfg,
		selector: selector,
		resolver: resolver,
		sender:   sender,
		records:  records,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run processes one batch. Only a selection failure returns an error;
// every per-item failure is reported in the result.
func (d *BatchDispatcher) Run(ctx context.Context) (*BatchResult, error) {
	runCtx := ctx
	if d.cfg.InvocationDeadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.InvocationDeadline)
		defer cancel()
	}

	if runCtx.Err() != nil {
		// nothing may start once the deadline has passed
		d.log.Warn().Msg("invocation deadline passed before selection")
		return newBatchResult(nil), nil
	}

	items, err := d.selector.Select(runCtx, d.now())
	if err != nil {
		return nil, fmt.Errorf("select due items: %w", err)
	}

	results := make([]ItemResult, len(items))
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)

	for i, item := range items {
		if runCtx.Err() != nil {
			for j := i; j < len(items); j++ {
				results[j] = d.notStarted(items[j])
			}
			break
		}

		// blocks while all workers are busy
		g.Go(func() error {
			if runCtx.Err() != nil {
				results[i] = d.notStarted(item)
				return nil
			}
			// in-flight items finish under their own per-call timeouts
			results[i] = d.safeProcess(context.WithoutCancel(runCtx), item)
			return nil
		})
	}
	g.Wait()

	return newBatchResult(results), nil
}

func (d *BatchDispatcher) notStarted(item *models.ScheduledItem) ItemResult {
	return d.logResult(ItemResult{ItemID: item.ID, Outcome: OutcomePending, Reason: ReasonDeadline})
}

// safeProcess keeps a panicking item from taking the batch down.
func (d *BatchDispatcher) safeProcess(ctx context.Context, item *models.ScheduledItem) (res ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("item_id", item.ID.String()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic while processing item")
			res = d.logResult(ItemResult{ItemID: item.ID, Outcome: OutcomePending, Reason: fmt.Sprintf("panic: %v", r)})
		}
	}()
	return d.logResult(d.process(ctx, item))
}

func (d *BatchDispatcher) process(ctx context.Context, item *models.ScheduledItem) ItemResult {
	res := ItemResult{ItemID: item.ID}

	// never re-send an item whose handoff is already recorded
	existing, err := d.lookupRecord(ctx, item)
	if err != nil {
		res.Outcome, res.Reason = OutcomePending, err.Error()
		return res
	}
	if existing != nil {
		outcome, err := d.recorder.Reconcile(ctx, item, existing)
		res.Outcome, res.Reason = outcome, ReasonReconciled
		res.Reconciled = outcome == OutcomeSent
		if err != nil {
			res.Reason = err.Error()
		}
		return res
	}

	msg := messageFor(item)
	if err := mailer.Validate(msg); err != nil {
		return d.permanent(ctx, item, mailer.Reason(err))
	}

	if d.quota != nil {
		allowed, err := d.allow(ctx, item)
		if err != nil {
			res.Outcome, res.Reason = OutcomePending, fmt.Sprintf("quota check: %v", err)
			return res
		}
		if !allowed {
			res.Outcome, res.Reason = OutcomePending, ReasonQuotaExceeded
			return res
		}
	}

	recipient, err := d.resolve(ctx, item)
	if err != nil {
		if mailer.IsPermanent(err) {
			return d.permanent(ctx, item, mailer.Reason(err))
		}
		res.Outcome, res.Reason = OutcomePending, err.Error()
		return res
	}

	providerID, err := d.deliver(ctx, msg)
	if err != nil {
		if mailer.IsPermanent(err) {
			return d.permanent(ctx, item, mailer.Reason(err))
		}
		return d.transient(ctx, item, mailer.Reason(err))
	}

	outcome, err := d.recorder.RecordSuccess(ctx, item, recipient, providerID)
	res.Outcome = outcome
	if err != nil {
		res.Reason = err.Error()
	}
	return res
}

func (d *BatchDispatcher) permanent(ctx context.Context, item *models.ScheduledItem, reason string) ItemResult {
	outcome, err := d.recorder.RecordPermanentFailure(ctx, item, reason)
	res := ItemResult{ItemID: item.ID, Outcome: outcome, Reason: reason}
	if err != nil {
		res.Reason = fmt.Sprintf("%s (%v)", reason, err)
	}
	return res
}

func (d *BatchDispatcher) transient(ctx context.Context, item *models.ScheduledItem, reason string) ItemResult {
	outcome, reason, err := d.recorder.RecordTransientFailure(ctx, item, reason)
	res := ItemResult{ItemID: item.ID, Outcome: outcome, Reason: reason}
	if err != nil {
		d.log.Warn().Err(err).Str("item_id", item.ID.String()).Msg("attempt bookkeeping failed")
	}
	return res
}

func (d *BatchDispatcher) lookupRecord(ctx context.Context, item *models.ScheduledItem) (*models.SentRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	rec, err := d.records.GetByItemID(callCtx, item.ID)
	if err != nil {
		return nil, storeError("get sent record", err)
	}
	return rec, nil
}

func (d *BatchDispatcher) allow(ctx context.Context, item *models.ScheduledItem) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.quota.Allow(callCtx, item.OwnerID)
}

func (d *BatchDispatcher) resolve(ctx context.Context, item *models.ScheduledItem) (*models.Recipient, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.resolver.Resolve(callCtx, item.Destination)
}

func (d *BatchDispatcher) deliver(ctx context.Context, msg *mailer.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	id, err := d.sender.Send(callCtx, msg)
	if err != nil {
		if mailer.IsPermanent(err) || mailer.IsTransient(err) {
			return "", err
		}
		// unclassified errors are retried, bounded by max attempts
		return "", mailer.WrapTransient(err)
	}
	return id, nil
}

func (d *BatchDispatcher) logResult(res ItemResult) ItemResult {
	level := zerolog.InfoLevel
	switch res.Outcome {
	case OutcomeAmbiguous:
		level = zerolog.ErrorLevel
	case OutcomePending, OutcomeFailed:
		level = zerolog.WarnLevel
	}
	d.log.WithLevel(level).
		Str("item_id", res.ItemID.String()).
		Str("outcome", string(res.Outcome)).
		Str("reason", res.Reason).
		Msg("item processed")
	return res
}

// messageFor builds the provider message for an item.
func messageFor(item *models.ScheduledItem) *mailer.Message {
	msg := &mailer.Message{
		To:      models.NormalizeAddress(item.Destination),
		Subject: item.Subject,
		HTML:    item.Body,
		Headers: map[string]string{
			// lets the provider drop a duplicate handoff of the same item
			"X-Entity-Ref-ID": item.ID.String(),
		},
		Tags: map[string]string{
			"item_id": item.ID.String(),
		},
	}
	for _, a := range item.Attachments {
		msg.Attachments = append(msg.Attachments, mailer.Attachment{
			Filename:  a.Filename,
			URL:       a.URL,
			SizeBytes: a.SizeBytes,
		})
	}
	return msg
}
