package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/blockedby/scheduled-mailer/internal/dispatcher"
	"github.com/blockedby/scheduled-mailer/internal/models"
	"github.com/blockedby/scheduled-mailer/internal/repository"
)

// DispatchService runs and inspects dispatch invocations
type DispatchService interface {
	Trigger(ctx context.Context, trigger string) (*dispatcher.BatchResult, error)
	Reconcile(ctx context.Context, limit int) (int, error)
	ItemStatus(ctx context.Context, id uuid.UUID) (*dispatcher.ItemStatus, error)
}

// StatsRepository defines interface for stats data access
type StatsRepository interface {
	GetStats(ctx context.Context) (*repository.QueueStats, error)
}

// RunsRepository defines interface for dispatch run history
type RunsRepository interface {
	ListRecent(ctx context.Context, limit int) ([]models.DispatchRun, error)
}
