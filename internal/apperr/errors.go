// Package apperr defines the error taxonomy shared by the store, the feed and the client components.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation rejects input before any network call is made (e.g. empty message text).
	ErrValidation = errors.New("validation failed")
	// ErrNotParticipant is returned when the sender is not one of the conversation's two participants.
	ErrNotParticipant = errors.New("not a conversation participant")
	// ErrNotFound is returned for unknown conversations and notifications.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// TransientDeliveryError reports a store call that failed due to connectivity.
// Callers surface it for a user-visible retry; nothing in this module retries sends.
type TransientDeliveryError struct {
	Op  string
	Err error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("%s: transient delivery failure: %v", e.Op, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// SubscriptionError reports a feed channel that failed to establish or dropped.
type SubscriptionError struct {
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("feed subscription: %v", e.Err)
	}
	return fmt.Sprintf("feed subscription %s: %v", e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Validation wraps ErrValidation with a reason.
func Validation(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidation, reason)
}

// IsTransient reports whether err is a TransientDeliveryError.
func IsTransient(err error) bool {
	var te *TransientDeliveryError
	return errors.As(err, &te)
}
