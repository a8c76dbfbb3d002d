package dispatcher

import (
	"errors"
	"fmt"
)

var (
	// ErrAmbiguous means the provider accepted a message but the bookkeeping
	// did not fully land. The item must be reconciled, never re-sent.
	ErrAmbiguous = errors.New("ambiguous outcome")

	// ErrInvalidConfig is returned for unusable dispatcher options.
	ErrInvalidConfig = errors.New("invalid dispatcher config")

	// ErrItemNotFound is returned by ItemStatus for an unknown item.
	ErrItemNotFound = errors.New("scheduled item not found")
)

// StoreError wraps a failed store call. It is transient for the item.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
