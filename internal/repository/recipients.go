package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blockedby/scheduled-mailer/internal/models"
)

// RecipientsRepository stores deduplicated recipient identities.
type RecipientsRepository struct {
	pool *pgxpool.Pool
}

// NewRecipientsRepository creates a new recipients repository
func NewRecipientsRepository(pool *pgxpool.Pool) *RecipientsRepository {
	return &RecipientsRepository{pool: pool}
}

// GetByAddress returns the recipient for a normalized address, or nil.
func (r *RecipientsRepository) GetByAddress(ctx context.Context, address string) (*models.Recipient, error) {
	var rec models.Recipient
	err := r.pool.QueryRow(ctx, `
		SELECT id, address, created_at
		FROM recipients
		WHERE address = $1
	`, address).Scan(&rec.ID, &rec.Address, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get recipient by address: %w", err)
	}
	return &rec, nil
}

// Create inserts a recipient. A concurrent insert of the same address
// yields ErrDuplicate.
func (r *RecipientsRepository) Create(ctx context.Context, rec *models.Recipient) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO recipients (id, address)
		VALUES ($1, $2)
		RETURNING created_at
	`, rec.ID, rec.Address).Scan(&rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create recipient %q: %w", rec.Address, ErrDuplicate)
		}
		return fmt.Errorf("create recipient: %w", err)
	}
	return nil
}
