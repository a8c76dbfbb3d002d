package mailer

import (
	"context"

	"github.com/google/uuid"

	"github.com/blockedby/scheduled-mailer/internal/logger"
)

// LogSender is a dry-run Sender that logs messages instead of sending them.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a new log sender.
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, msg *Message) (string, error) {
	if err := Validate(msg); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", WrapTransient(err)
	}

	id := "log-" + uuid.NewString()
	s.log.Info().
		Str("message_id", id).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("attachments", len(msg.Attachments)).
		Msg("dry-run email")

	return id, nil
}
