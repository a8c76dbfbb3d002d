package models

import (
	"time"

	"github.com/google/uuid"
)

// DispatchRun is the audit row written after every dispatcher invocation.
type DispatchRun struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Trigger    string    `json:"trigger" gorm:"size:32;not null"`
	StartedAt  time.Time `json:"started_at" gorm:"not null;index"`
	FinishedAt time.Time `json:"finished_at" gorm:"not null"`
	Processed  int       `json:"processed"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Pending    int       `json:"pending"`
	Ambiguous  int       `json:"ambiguous"`
	Reconciled int       `json:"reconciled"`
	Error      *string   `json:"error,omitempty"`
}

// TableName pins the table name used by the migrations.
func (DispatchRun) TableName() string {
	return "dispatch_runs"
}

// Duration returns how long the run took.
func (r *DispatchRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
