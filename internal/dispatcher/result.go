package dispatcher

import (
	"github.com/google/uuid"
)

// Outcome classifies what happened to one item in one invocation.
type Outcome string

// Outcome constants. Only sent and failed move an item out of PENDING.
const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
	OutcomeAmbiguous Outcome = "ambiguous"
)

// Reasons reported for items that were not attempted.
const (
	ReasonDeadline      = "deadline exceeded before start"
	ReasonQuotaExceeded = "quota exhausted"
	ReasonReconciled    = "reconciled from existing sent record"
)

// ItemResult is the outcome of one item.
type ItemResult struct {
	ItemID     uuid.UUID `json:"item_id"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Reconciled bool      `json:"-"`
}

// BatchResult summarises one invocation. Reconciled counts flips from an
// existing sent record, including those done by the reconcile pass before
// the batch, so it is not a subset of Processed.
type BatchResult struct {
	Processed  int          `json:"processed"`
	Sent       int          `json:"sent"`
	Failed     int          `json:"failed"`
	Pending    int          `json:"pending"`
	Ambiguous  int          `json:"ambiguous"`
	Reconciled int          `json:"reconciled"`
	Items      []ItemResult `json:"items"`
}

func newBatchResult(items []ItemResult) *BatchResult {
	r := &BatchResult{Items: make([]ItemResult, 0, len(items))}
	for _, it := range items {
		r.add(it)
	}
	return r
}

func (r *BatchResult) add(it ItemResult) {
	r.Processed++
	switch it.Outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	case OutcomeAmbiguous:
		r.Ambiguous++
	default:
		it.Outcome = OutcomePending
		r.Pending++
	}
	if it.Reconciled {
		r.Reconciled++
	}
	r.Items = append(r.Items, it)
}

// Transitioned returns how many items left PENDING in this batch.
func (r *BatchResult) Transitioned() int {
	return r.Sent + r.Failed
}
