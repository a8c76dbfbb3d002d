package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/blockedby/scheduled-mailer/internal/models"
)

// Selector picks the bounded, ordered list of due items for one invocation.
type Selector struct {
	items     ItemStore
	batchSize int
}

// NewSelector creates a selector returning at most batchSize items.
func NewSelector(items ItemStore, batchSize int) (*Selector, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be >= 1, got %d", ErrInvalidConfig, batchSize)
	}
	return &Selector{items: items, batchSize: batchSize}, nil
}

// Select returns pending items due at now, highest priority first, then
// oldest send time, then id. A store failure aborts the invocation.
func (s *Selector) Select(ctx context.Context, now time.Time) ([]*models.ScheduledItem, error) {
	candidates, err := s.items.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return nil, storeError("list due items", err)
	}

	due := make([]*models.ScheduledItem, 0, len(candidates))
	for _, item := range candidates {
		if item == nil || item.State != models.ItemStatePending || item.SendAt.After(now) {
			continue
		}
		due = append(due, item)
	}

	slices.SortStableFunc(due, compareDue)
	if len(due) > s.batchSize {
		due = due[:s.batchSize]
	}

	return due, nil
}

func compareDue(a, b *models.ScheduledItem) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	if c := a.SendAt.Compare(b.SendAt); c != 0 {
		return c
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}
