package dispatcher

import (
	"context"
	"errors"

	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/models"
)

// Reconciler flips PENDING items that already have a SentRecord to SENT.
// These are the leftovers of ambiguous outcomes.
type Reconciler struct {
	items    ItemStore
	records  SentRecordStore
	recorder *Recorder
	log      *logger.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(items ItemStore, records SentRecordStore, recorder *Recorder, log *logger.Logger) *Reconciler {
	return &Reconciler{
		items:    items,
		records:  records,
		recorder: recorder,
		log:      log,
	}
}

// Reconcile processes up to limit unreconciled sent records and returns
// how many items were flipped to SENT. The provider is never contacted.
func (r *Reconciler) Reconcile(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	listCtx, cancel := context.WithTimeout(ctx, r.recorder.callTimeout)
	records, err := r.records.ListUnreconciled(listCtx, limit)
	cancel()
	if err != nil {
		return 0, storeError("list unreconciled", err)
	}

	flipped := 0
	var errs []error
	for i, rec := range records {
		if ctx.Err() != nil {
			r.log.Warn().Int("skipped", len(records)-i).Msg("reconcile pass stopped at deadline")
			break
		}

		item, err := r.getItem(ctx, rec)
		if err != nil {
			errs = append(errs, storeError("get item", err))
			continue
		}
		if item == nil || item.State != models.ItemStatePending {
			continue
		}

		outcome, err := r.recorder.Reconcile(ctx, item, rec)
		if err != nil {
			r.log.Warn().Err(err).Str("item_id", item.ID.String()).Msg("reconcile failed")
			errs = append(errs, err)
			continue
		}
		if outcome == OutcomeSent {
			flipped++
		}
	}

	if flipped > 0 {
		r.log.Info().Int("reconciled", flipped).Int("candidates", len(records)).Msg("reconcile pass finished")
	}

	return flipped, errors.Join(errs...)
}

func (r *Reconciler) getItem(ctx context.Context, rec *models.SentRecord) (*models.ScheduledItem, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.recorder.callTimeout)
	defer cancel()
	return r.items.GetByID(callCtx, rec.ItemID)
}
