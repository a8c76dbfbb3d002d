package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/models"
	"github.com/blockedby/scheduled-mailer/internal/repository"
)

// Recorder writes the outcome of a delivery attempt.
//
// The sent path is two independent writes with no shared transaction:
// the SentRecord insert always comes first and the state flip second, so a
// partial failure leaves a SentRecord on a PENDING item. Such items are
// reported ambiguous and later reconciled, never re-sent.
type Recorder struct {
	items       ItemStore
	records     SentRecordStore
	log         *logger.Logger
	callTimeout time.Duration
	maxAttempts int
	newBackOff  func() backoff.BackOff
	now         func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBackOff sets the retry policy applied to each bookkeeping write.
func WithBackOff(fn func() backoff.BackOff) RecorderOption {
	return func(r *Recorder) {
		r.newBackOff = fn
	}
}

// WithClock sets the clock used for sent timestamps.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder creates a new outcome recorder.
func NewRecorder(items ItemStore, records SentRecordStore, cfg Config, log *logger.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		items:       items,
		records:     records,
		log:         log,
		callTimeout: cfg.CallTimeout,
		maxAttempts: cfg.MaxAttempts,
		newBackOff:  defaultBackOff,
		now:         time.Now,
	}
	if r.callTimeout <= 0 {
		r.callTimeout = DefaultConfig().CallTimeout
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	// bounded by the per-call timeout instead
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 3)
}

// RecordSuccess stores the SentRecord and then flips the item to SENT.
// Any failure after the provider accepted the message yields
// OutcomeAmbiguous and an error wrapping ErrAmbiguous.
func (r *Recorder) RecordSuccess(ctx context.Context, item *models.ScheduledItem, recipient *models.Recipient, providerID string) (Outcome, error) {
	rec := &models.SentRecord{
		ID:                uuid.New(),
		ItemID:            item.ID,
		RecipientID:       recipient.ID,
		ProviderMessageID: providerID,
		SentAt:            r.now().UTC(),
	}

	err := r.retry(ctx, func(ctx context.Context) error {
		return r.records.Create(ctx, rec)
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicate):
		// an overlapping invocation sent the same item
		r.log.Warn().
			Str("item_id", item.ID.String()).
			Str("provider_message_id", providerID).
			Msg("duplicate delivery: sent record already exists")
		existing, gerr := r.getRecord(ctx, item.ID)
		if gerr == nil && existing != nil {
			rec = existing
		}
	default:
		r.log.Error().Err(err).
			Str("item_id", item.ID.String()).
			Str("provider_message_id", providerID).
			Msg("provider accepted message but sent record was not stored; possible duplicate on retry")
		return r.countUnrecordedSend(ctx, item, err), fmt.Errorf("%w: %w", ErrAmbiguous, storeError("create sent record", err))
	}

	err = r.retry(ctx, func(ctx context.Context) error {
		return r.items.MarkSent(ctx, item.ID, rec.SentAt)
	})
	if err == nil {
		return OutcomeSent, nil
	}

	if errors.Is(err, repository.ErrStateConflict) {
		if state, gerr := r.currentState(ctx, item.ID); gerr == nil && state == models.ItemStateSent {
			return OutcomeSent, nil
		}
	}

	r.log.Error().Err(err).
		Str("item_id", item.ID.String()).
		Str("provider_message_id", providerID).
		Msg("sent record stored but state flip failed; awaiting reconcile")
	return OutcomeAmbiguous, fmt.Errorf("%w: %w", ErrAmbiguous, storeError("mark sent", err))
}

// RecordPermanentFailure flips the item to FAILED with reason. No
// SentRecord is written.
func (r *Recorder) RecordPermanentFailure(ctx context.Context, item *models.ScheduledItem, reason string) (Outcome, error) {
	err := r.retry(ctx, func(ctx context.Context) error {
		return r.items.MarkFailed(ctx, item.ID, reason)
	})
	if err == nil {
		return OutcomeFailed, nil
	}
	if errors.Is(err, repository.ErrStateConflict) {
		return r.outcomeAfterConflict(ctx, item.ID, err)
	}
	return OutcomePending, storeError("mark failed", err)
}

// RecordTransientFailure leaves the item PENDING and bumps its attempt
// counter. Once maxAttempts is reached the item is failed instead. The
// returned reason is the one stored on the item.
func (r *Recorder) RecordTransientFailure(ctx context.Context, item *models.ScheduledItem, reason string) (Outcome, string, error) {
	var attempts int
	err := r.retry(ctx, func(ctx context.Context) error {
		n, err := r.items.RecordAttempt(ctx, item.ID, reason)
		attempts = n
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			outcome, err := r.outcomeAfterConflict(ctx, item.ID, err)
			return outcome, reason, err
		}
		// the attempt counter is bookkeeping only; the item stays pending either way
		return OutcomePending, reason, storeError("record attempt", err)
	}

	if r.maxAttempts > 0 && attempts >= r.maxAttempts {
		reason = fmt.Sprintf("gave up after %d attempts: %s", attempts, reason)
		outcome, err := r.RecordPermanentFailure(ctx, item, reason)
		return outcome, reason, err
	}
	return OutcomePending, reason, nil
}

// Reconcile flips an item that already has a SentRecord to SENT without
// contacting the provider.
func (r *Recorder) Reconcile(ctx context.Context, item *models.ScheduledItem, rec *models.SentRecord) (Outcome, error) {
	err := r.retry(ctx, func(ctx context.Context) error {
		return r.items.MarkSent(ctx, item.ID, rec.SentAt)
	})
	if err == nil {
		r.log.Info().
			Str("item_id", item.ID.String()).
			Str("provider_message_id", rec.ProviderMessageID).
			Msg("reconciled item from existing sent record")
		return OutcomeSent, nil
	}

	if errors.Is(err, repository.ErrStateConflict) {
		if state, gerr := r.currentState(ctx, item.ID); gerr == nil && state == models.ItemStateSent {
			return OutcomeSent, nil
		}
	}
	return OutcomeAmbiguous, fmt.Errorf("%w: %w", ErrAmbiguous, storeError("reconcile mark sent", err))
}

// countUnrecordedSend charges an attempt for a handoff that left no
// SentRecord. Nothing stops the next invocation from sending again, so the
// attempt cap is what bounds the duplicates.
func (r *Recorder) countUnrecordedSend(ctx context.Context, item *models.ScheduledItem, cause error) Outcome {
	outcome, reason, err := r.RecordTransientFailure(ctx, item, fmt.Sprintf("sent record not stored: %v", cause))
	if err != nil {
		r.log.Warn().Err(err).Str("item_id", item.ID.String()).Msg("could not count unrecorded send")
		return OutcomeAmbiguous
	}
	if outcome == OutcomeFailed {
		r.log.Error().
			Str("item_id", item.ID.String()).
			Str("reason", reason).
			Msg("stopped re-sending item whose sent record cannot be stored")
		return OutcomeFailed
	}
	return OutcomeAmbiguous
}

// outcomeAfterConflict reports the state another writer moved the item to.
func (r *Recorder) outcomeAfterConflict(ctx context.Context, id uuid.UUID, conflict error) (Outcome, error) {
	state, err := r.currentState(ctx, id)
	if err != nil {
		return OutcomePending, storeError("reread item", err)
	}
	switch state {
	case models.ItemStateSent:
		return OutcomeSent, nil
	case models.ItemStateFailed:
		return OutcomeFailed, nil
	default:
		return OutcomePending, storeError("state transition", conflict)
	}
}

func (r *Recorder) currentState(ctx context.Context, id uuid.UUID) (models.ItemState, error) {
	var item *models.ScheduledItem
	err := r.retry(ctx, func(ctx context.Context) error {
		var err error
		item, err = r.items.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", fmt.Errorf("item %s: %w", id, ErrItemNotFound)
	}
	return item.State, nil
}

func (r *Recorder) getRecord(ctx context.Context, itemID uuid.UUID) (*models.SentRecord, error) {
	var rec *models.SentRecord
	err := r.retry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = r.records.GetByItemID(ctx, itemID)
		return err
	})
	return rec, err
}

// retry runs op under the per-call timeout, retrying store errors with
// backoff. Duplicates and state conflicts are answers, not failures.
func (r *Recorder) retry(ctx context.Context, op func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	return backoff.Retry(func() error {
		err := op(callCtx)
		if err != nil && (errors.Is(err, repository.ErrDuplicate) || errors.Is(err, repository.ErrStateConflict)) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(r.newBackOff(), callCtx))
}
