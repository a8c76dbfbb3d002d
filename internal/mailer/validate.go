package mailer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// MaxAttachmentBytes is the combined attachment size the provider accepts.
const MaxAttachmentBytes int64 = 40 << 20

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks a message before it is handed to the provider.
// Violations are permanent: resending the same message cannot fix them.
func Validate(msg *Message) error {
	if msg == nil {
		return WrapPermanent(fmt.Errorf("%w: nil message", ErrInvalidMessage))
	}

	if err := getValidator().Struct(msg); err != nil {
		return WrapPermanent(fmt.Errorf("%w: %s", ErrInvalidMessage, describe(err)))
	}

	if total := msg.TotalAttachmentBytes(); total > MaxAttachmentBytes {
		return WrapPermanent(fmt.Errorf("%w: %d bytes exceeds %d", ErrAttachmentsTooLarge, total, MaxAttachmentBytes))
	}

	return nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Namespace()+" is required")
		case "email":
			parts = append(parts, fmt.Sprintf("%s %q is not a valid email address", fe.Namespace(), fe.Value()))
		case "url":
			parts = append(parts, fe.Namespace()+" is not a valid url")
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s", fe.Namespace(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
