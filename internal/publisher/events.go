package publisher

import (
	"time"

	"github.com/google/uuid"
)

// Subjects published by the dispatcher.
const (
	SubjectBatchCompleted = "dispatch.batch.completed"
	subjectItemPrefix     = "dispatch.item."
)

// StreamName is the JetStream stream that captures all dispatch subjects.
const StreamName = "DISPATCH"

// StreamSubjects lists the subjects bound to StreamName.
var StreamSubjects = []string{"dispatch.>"}

// ItemSubject returns the subject for a per-item outcome, e.g. dispatch.item.sent.
func ItemSubject(outcome string) string {
	return subjectItemPrefix + outcome
}

// BatchCompletedEvent summarises one dispatcher invocation.
type BatchCompletedEvent struct {
	RunID      uuid.UUID `json:"run_id"`
	Trigger    string    `json:"trigger"`
	Processed  int       `json:"processed"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Pending    int       `json:"pending"`
	Ambiguous  int       `json:"ambiguous"`
	Reconciled int       `json:"reconciled"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ItemOutcomeEvent reports what happened to one scheduled item.
type ItemOutcomeEvent struct {
	RunID   uuid.UUID `json:"run_id"`
	ItemID  uuid.UUID `json:"item_id"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}
