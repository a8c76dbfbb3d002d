package mailer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient marks failures that may succeed on a later attempt:
	// timeouts, rate limits, provider outages.
	ErrTransient = errors.New("transient delivery failure")

	// ErrPermanent marks failures that will never succeed as-is:
	// invalid addresses, rejected content.
	ErrPermanent = errors.New("permanent delivery failure")

	// ErrInvalidMessage is returned by Validate. It is always permanent.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrAttachmentsTooLarge is returned when attachments exceed the provider limit.
	ErrAttachmentsTooLarge = errors.New("attachments too large")
)

// DeliveryError carries the classification and provider details of a failed send.
type DeliveryError struct {
	Kind       error
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%v (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// WrapTransient classifies err as transient.
func WrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Kind: ErrTransient, Err: err}
}

// WrapPermanent classifies err as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Kind: ErrPermanent, Err: err}
}

// IsTransient reports whether err was classified as transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// RetryAfter returns the provider-requested backoff carried by err, if any.
func RetryAfter(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// Reason returns a short human readable description of err for display
// to the user who scheduled the message.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var de *DeliveryError
	if errors.As(err, &de) && de.Err != nil {
		return de.Err.Error()
	}
	return err.Error()
}
