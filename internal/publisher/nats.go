package publisher

import (
	"context"
	"fmt"
)

// NATSClient interface to allow mocking
type NATSClient interface {
	Publish(ctx context.Context, subject string, data any) error
}

// NATSPublisher publishes dispatcher events to JetStream.
type NATSPublisher struct {
	js NATSClient
}

// NewNATSPublisher creates a new publisher
func NewNATSPublisher(client NATSClient) *NATSPublisher {
	return &NATSPublisher{js: client}
}

// PublishBatchCompleted publishes the summary of a dispatcher invocation.
func (p *NATSPublisher) PublishBatchCompleted(ctx context.Context, event BatchCompletedEvent) error {
	if err := p.js.Publish(ctx, SubjectBatchCompleted, event); err != nil {
		return fmt.Errorf("publish batch completed: %w", err)
	}
	return nil
}

// PublishItemOutcome publishes the outcome of one item.
func (p *NATSPublisher) PublishItemOutcome(ctx context.Context, event ItemOutcomeEvent) error {
	if event.Outcome == "" {
		return fmt.Errorf("publish item outcome: empty outcome for item %s", event.ItemID)
	}
	if err := p.js.Publish(ctx, ItemSubject(event.Outcome), event); err != nil {
		return fmt.Errorf("publish item outcome: %w", err)
	}
	return nil
}
