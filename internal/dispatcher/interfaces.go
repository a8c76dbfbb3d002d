package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/scheduled-mailer/internal/models"
	"github.com/blockedby/scheduled-mailer/internal/publisher"
)

// ItemStore is the scheduled item storage the dispatcher needs.
type ItemStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledItem, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledItem, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	RecordAttempt(ctx context.Context, id uuid.UUID, reason string) (int, error)
}

// RecipientStore reads and creates recipients by normalized address.
type RecipientStore interface {
	GetByAddress(ctx context.Context, address string) (*models.Recipient, error)
	Create(ctx context.Context, rec *models.Recipient) error
}

// SentRecordStore stores proof of handoff to the provider.
type SentRecordStore interface {
	Create(ctx context.Context, rec *models.SentRecord) error
	GetByItemID(ctx context.Context, itemID uuid.UUID) (*models.SentRecord, error)
	ListUnreconciled(ctx context.Context, limit int) ([]*models.SentRecord, error)
}

// QuotaGate is consulted before a send. Plan limits live elsewhere.
type QuotaGate interface {
	Allow(ctx context.Context, ownerID uuid.UUID) (bool, error)
}

// RunRecorder stores the audit row of an invocation.
type RunRecorder interface {
	Create(ctx context.Context, run *models.DispatchRun) error
}

// EventPublisher announces dispatch outcomes.
type EventPublisher interface {
	PublishBatchCompleted(ctx context.Context, event publisher.BatchCompletedEvent) error
	PublishItemOutcome(ctx context.Context, event publisher.ItemOutcomeEvent) error
}

// MetricsRecorder receives dispatch counters.
type MetricsRecorder interface {
	ObserveItem(outcome string)
	ObserveBatch(trigger string, duration time.Duration, failed bool)
	AddReconciled(n int)
}
