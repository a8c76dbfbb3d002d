package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/blockedby/scheduled-mailer/internal/mailer"
	"github.com/blockedby/scheduled-mailer/internal/models"
	"github.com/blockedby/scheduled-mailer/internal/repository"
)

// Resolver maps a destination address to its Recipient, creating it on
// first use.
type Resolver struct {
	recipients RecipientStore
}

// NewResolver creates a new recipient resolver.
func NewResolver(recipients RecipientStore) *Resolver {
	return &Resolver{recipients: recipients}
}

// Resolve returns the recipient for address. Concurrent calls for the same
// address return the same recipient: losing the insert race falls back to
// reading the winner's row.
func (r *Resolver) Resolve(ctx context.Context, address string) (*models.Recipient, error) {
	normalized := models.NormalizeAddress(address)
	if normalized == "" {
		return nil, mailer.WrapPermanent(errors.New("empty destination address"))
	}

	existing, err := r.recipients.GetByAddress(ctx, normalized)
	if err != nil {
		return nil, storeError("get recipient", err)
	}
	if existing != nil {
		return existing, nil
	}

	rec := &models.Recipient{ID: uuid.New(), Address: normalized}
	err = r.recipients.Create(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, repository.ErrDuplicate) {
		return nil, storeError("create recipient", err)
	}

	existing, err = r.recipients.GetByAddress(ctx, normalized)
	if err != nil {
		return nil, storeError("get recipient after duplicate", err)
	}
	if existing == nil {
		return nil, storeError("get recipient after duplicate", fmt.Errorf("recipient %q not found", normalized))
	}
	return existing, nil
}
