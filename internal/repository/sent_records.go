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

// SentRecordsRepository stores proof of handoff to the email provider.
type SentRecordsRepository struct {
	pool *pgxpool.Pool
}

// NewSentRecordsRepository creates a new sent records repository
func NewSentRecordsRepository(pool *pgxpool.Pool) *SentRecordsRepository {
	return &SentRecordsRepository{pool: pool}
}

// Create inserts a sent record. A second record for the same item yields
// ErrDuplicate.
func (r *SentRecordsRepository) Create(ctx context.Context, rec *models.SentRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO sent_records (id, item_id, recipient_id, provider_message_id, sent_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.ItemID, rec.RecipientID, rec.ProviderMessageID, rec.SentAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create sent record for item %s: %w", rec.ItemID, ErrDuplicate)
		}
		return fmt.Errorf("create sent record: %w", err)
	}
	return nil
}

// GetByItemID returns the sent record of an item, or nil.
func (r *SentRecordsRepository) GetByItemID(ctx context.Context, itemID uuid.UUID) (*models.SentRecord, error) {
	var rec models.SentRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id, item_id, recipient_id, provider_message_id, sent_at
		FROM sent_records
		WHERE item_id = $1
	`, itemID).Scan(&rec.ID, &rec.ItemID, &rec.RecipientID, &rec.ProviderMessageID, &rec.SentAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sent record by item: %w", err)
	}
	return &rec, nil
}

// ListUnreconciled returns sent records whose item is still PENDING,
// i.e. handoffs whose state flip never landed.
func (r *SentRecordsRepository) ListUnreconciled(ctx context.Context, limit int) ([]*models.SentRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id, s.item_id, s.recipient_id, s.provider_message_id, s.sent_at
		FROM sent_records s
		JOIN scheduled_items i ON i.id = s.item_id
		WHERE i.state = 'PENDING'
		ORDER BY s.sent_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unreconciled: %w", err)
	}
	defer rows.Close()

	var records []*models.SentRecord
	for rows.Next() {
		var rec models.SentRecord
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.RecipientID, &rec.ProviderMessageID, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("scan sent record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unreconciled: %w", err)
	}

	return records, nil
}
