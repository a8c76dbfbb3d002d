package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders scheduled items inside a batch. Higher values are sent first.
type Priority int

// Priority constants define the supported priorities.
const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the lower-case name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
	}
}

// ItemState represents the lifecycle state of a scheduled item.
type ItemState string

// ItemState constants. SENT and FAILED are terminal.
const (
	ItemStatePending ItemState = "PENDING"
	ItemStateSent    ItemState = "SENT"
	ItemStateFailed  ItemState = "FAILED"
)

// IsTerminal reports whether the state can no longer change.
func (s ItemState) IsTerminal() bool {
	return s == ItemStateSent || s == ItemStateFailed
}

// Attachment references a file already uploaded to attachment storage.
type Attachment struct {
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
}

// ScheduledItem is a request to send one email no earlier than SendAt.
type ScheduledItem struct {
	ID      uuid.UUID `json:"id" db:"id"`
	OwnerID uuid.UUID `json:"owner_id" db:"owner_id"`

	// message
	Destination string       `json:"destination" db:"destination"`
	Subject     string       `json:"subject" db:"subject"`
	Body        string       `json:"body" db:"body"`
	Attachments []Attachment `json:"attachments,omitempty" db:"attachments"`

	// opaque metadata from the composer
	TemplateID *uuid.UUID `json:"template_id,omitempty" db:"template_id"`
	Category   *string    `json:"category,omitempty" db:"category"`

	// scheduling
	Priority Priority  `json:"priority" db:"priority"`
	SendAt   time.Time `json:"send_at" db:"send_at"`

	// lifecycle
	State         ItemState  `json:"state" db:"state"`
	FailureReason *string    `json:"failure_reason,omitempty" db:"failure_reason"`
	Attempts      int        `json:"attempts" db:"attempts"`
	LastError     *string    `json:"last_error,omitempty" db:"last_error"`
	SentAt        *time.Time `json:"sent_at,omitempty" db:"sent_at"`

	// timestamps
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AttachmentBytes returns the combined size of all attachments.
func (i *ScheduledItem) AttachmentBytes() int64 {
	var total int64
	for _, a := range i.Attachments {
		total += a.SizeBytes
	}
	return total
}
