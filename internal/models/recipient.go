package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Recipient is the deduplicated identity of a destination address.
type Recipient struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Address   string    `json:"address" db:"address"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NormalizeAddress returns the key recipients are deduplicated by.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// SentRecord is the durable proof that a scheduled item was handed to the provider.
type SentRecord struct {
	ID                uuid.UUID `json:"id" db:"id"`
	ItemID            uuid.UUID `json:"item_id" db:"item_id"`
	RecipientID       uuid.UUID `json:"recipient_id" db:"recipient_id"`
	ProviderMessageID string    `json:"provider_message_id" db:"provider_message_id"`
	SentAt            time.Time `json:"sent_at" db:"sent_at"`
}
