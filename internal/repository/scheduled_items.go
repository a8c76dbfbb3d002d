package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/models"
)

const scheduledItemColumns = `
	id, owner_id, destination, subject, body, attachments,
	template_id, category, priority, send_at,
	state, failure_reason, attempts, last_error, sent_at,
	created_at, updated_at`

// ScheduledItemsRepository reads and transitions scheduled emails.
type ScheduledItemsRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewScheduledItemsRepository creates a new scheduled items repository
func NewScheduledItemsRepository(pool *pgxpool.Pool, log *logger.Logger) *ScheduledItemsRepository {
	return &ScheduledItemsRepository{
		pool: pool,
		log:  log,
	}
}

// Create inserts a scheduled item. The composing UI owns creation; the
// dispatcher only uses this for seeding and tests.
func (r *ScheduledItemsRepository) Create(ctx context.Context, item *models.ScheduledItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.State == "" {
		item.State = models.ItemStatePending
	}

	attachments, err := marshalAttachments(item.Attachments)
	if err != nil {
		return fmt.Errorf("create scheduled item: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO scheduled_items (
			id, owner_id, destination, subject, body, attachments,
			template_id, category, priority, send_at, state
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, item.ID, item.OwnerID, item.Destination, item.Subject, item.Body, attachments,
		item.TemplateID, item.Category, int16(item.Priority), item.SendAt, item.State,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create scheduled item: %w", err)
	}

	return nil
}

// GetByID returns a single item, or nil when it does not exist.
func (r *ScheduledItemsRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledItem, error) {
	item, err := scanScheduledItem(r.pool.QueryRow(ctx, `
		SELECT `+scheduledItemColumns+`
		FROM scheduled_items
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get scheduled item by id: %w", err)
	}
	return item, nil
}

// ListDue returns pending items whose send time has passed, highest
// priority first, oldest first within a priority.
func (r *ScheduledItemsRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduledItemColumns+`
		FROM scheduled_items
		WHERE state = 'PENDING' AND send_at <= $1
		ORDER BY priority DESC, send_at ASC, id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due items: %w", err)
	}
	defer rows.Close()

	var items []*models.ScheduledItem
	for rows.Next() {
		item, err := scanScheduledItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due items: %w", err)
	}

	return items, nil
}

// MarkSent flips a pending item to SENT. Returns ErrStateConflict when the
// item already left PENDING.
func (r *ScheduledItemsRepository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_items
		SET state = 'SENT', sent_at = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'PENDING'
	`, id, sentAt)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark sent %s: %w", id, ErrStateConflict)
	}

	r.log.Info().
		Str("id", id.String()).
		Time("sent_at", sentAt).
		Msg("marked scheduled item as sent")

	return nil
}

// MarkFailed flips a pending item to FAILED with a human readable reason.
// Returns ErrStateConflict when the item already left PENDING.
func (r *ScheduledItemsRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_items
		SET state = 'FAILED', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'PENDING'
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark failed %s: %w", id, ErrStateConflict)
	}

	r.log.Info().
		Str("id", id.String()).
		Str("reason", reason).
		Msg("marked scheduled item as failed")

	return nil
}

// RecordAttempt bumps the transient attempt counter of a pending item and
// returns the new count. The state is left untouched.
func (r *ScheduledItemsRepository) RecordAttempt(ctx context.Context, id uuid.UUID, reason string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE scheduled_items
		SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'PENDING'
		RETURNING attempts
	`, id, reason).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("record attempt %s: %w", id, ErrStateConflict)
		}
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	return attempts, nil
}

func scanScheduledItem(row pgx.Row) (*models.ScheduledItem, error) {
	var item models.ScheduledItem
	var attachments []byte
	var priority int16

	err := row.Scan(
		&item.ID, &item.OwnerID, &item.Destination, &item.Subject, &item.Body, &attachments,
		&item.TemplateID, &item.Category, &priority, &item.SendAt,
		&item.State, &item.FailureReason, &item.Attempts, &item.LastError, &item.SentAt,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Priority = models.Priority(priority)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &item.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}

	return &item, nil
}

func marshalAttachments(attachments []models.Attachment) ([]byte, error) {
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	b, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return b, nil
}
