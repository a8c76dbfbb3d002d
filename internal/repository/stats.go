package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// QueueStats contains aggregated counts of scheduled items.
type QueueStats struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Due          int `json:"due"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	Unreconciled int `json:"unreconciled"`
	SentToday    int `json:"sent_today"`
}

// StatsRepository provides access to statistics data in the database.
type StatsRepository struct {
	pool *pgxpool.Pool
}

// NewStatsRepository creates a new StatsRepository.
func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{pool: pool}
}

// GetStats retrieves aggregated queue statistics.
func (r *StatsRepository) GetStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) as total,
			COUNT(CASE WHEN state = 'PENDING' THEN 1 END) as pending,
			COUNT(CASE WHEN state = 'PENDING' AND send_at <= NOW() THEN 1 END) as due,
			COUNT(CASE WHEN state = 'SENT' THEN 1 END) as sent,
			COUNT(CASE WHEN state = 'FAILED' THEN 1 END) as failed,
			COUNT(CASE WHEN state = 'SENT' AND sent_at >= CURRENT_DATE THEN 1 END) as sent_today
		FROM scheduled_items
	`).Scan(&stats.Total, &stats.Pending, &stats.Due, &stats.Sent, &stats.Failed, &stats.SentToday)
	if err != nil {
		return nil, fmt.Errorf("get item stats: %w", err)
	}

	// handoffs whose state flip has not landed yet
	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM sent_records s
		JOIN scheduled_items i ON i.id = s.item_id
		WHERE i.state = 'PENDING'
	`).Scan(&stats.Unreconciled)
	if err != nil {
		return nil, fmt.Errorf("get unreconciled stats: %w", err)
	}

	return stats, nil
}
