// Package mailer delivers single email messages through a mail provider.
//
// Every error returned from a Sender is classified as either transient
// (retry on a later invocation) or permanent (never retried).
package mailer

import (
	"context"
)

// Sender delivers one message and returns the provider-assigned message id.
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

// Attachment is a file already uploaded to attachment storage.
type Attachment struct {
	Filename  string `validate:"required,max=255"`
	URL       string `validate:"required,url"`
	SizeBytes int64  `validate:"gte=0"`
}

// Message is one outgoing email.
type Message struct {
	To          string       `validate:"required,email"`
	Subject     string       `validate:"required,max=998"`
	HTML        string       `validate:"required"`
	Attachments []Attachment `validate:"max=20,dive"`

	// Headers are passed through to the provider, e.g. an idempotency key.
	Headers map[string]string
	Tags    map[string]string
}

// TotalAttachmentBytes returns the combined size of all attachments.
func (m *Message) TotalAttachmentBytes() int64 {
	var total int64
	for _, a := range m.Attachments {
		total += a.SizeBytes
	}
	return total
}
