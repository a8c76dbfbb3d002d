package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/blockedby/scheduled-mailer/internal/models"
)

// RunsRepository keeps the audit log of dispatcher invocations.
type RunsRepository struct {
	db *gorm.DB
}

// NewRunsRepository creates a new runs repository
func NewRunsRepository(db *gorm.DB) *RunsRepository {
	return &RunsRepository{db: db}
}

// Create stores a finished run.
func (r *RunsRepository) Create(ctx context.Context, run *models.DispatchRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create dispatch run %s: %w", run.ID, ErrDuplicate)
		}
		return fmt.Errorf("create dispatch run: %w", err)
	}
	return nil
}

// ListRecent returns the newest runs first.
func (r *RunsRepository) ListRecent(ctx context.Context, limit int) ([]models.DispatchRun, error) {
	var runs []models.DispatchRun
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list dispatch runs: %w", err)
	}
	return runs, nil
}

// Latest returns the newest run, or nil when none was recorded yet.
func (r *RunsRepository) Latest(ctx context.Context) (*models.DispatchRun, error) {
	var run models.DispatchRun
	err := r.db.WithContext(ctx).Order("started_at DESC").First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest dispatch run: %w", err)
	}
	return &run, nil
}
