package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationWrapsSentinel(t *testing.T) {
	err := Validation("empty text")
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "empty text")
}

func TestTransientDeliveryErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("send: %w", &TransientDeliveryError{Op: "append_message", Err: cause})

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsTransient(ErrNotParticipant))
}

func TestSubscriptionErrorMessage(t *testing.T) {
	err := &SubscriptionError{Topic: "conversation:1", Err: errors.New("eof")}
	assert.Equal(t, "feed subscription conversation:1: eof", err.Error())

	var se *SubscriptionError
	require.True(t, errors.As(fmt.Errorf("wrap: %w", err), &se))
	assert.Equal(t, "conversation:1", se.Topic)
}
