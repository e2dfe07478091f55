package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inbox-service/internal/mocks"
)

func TestEmitPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "", "inbox-service", "test", zap.NewNop())

	var got AuditEnvelope
	pub.On("Publish", mock.Anything, DefaultRoutingKey, mock.AnythingOfType("telemetry.AuditEnvelope")).
		Run(func(args mock.Arguments) { got = args.Get(2).(AuditEnvelope) }).
		Return(nil).Once()

	userID := "u1"
	emitter.Emit(context.Background(), "INFO", "message.sent", "req-1", &userID, map[string]any{"conversation_id": "c1"})

	pub.AssertExpectations(t)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "u1", *got.UserID)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "inbox-service", got.Service)
	assert.Equal(t, "message.sent", got.Payload.Action)
	assert.Equal(t, "c1", got.Payload.Fields["conversation_id"])
}

func TestEmitSwallowsPublishError(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.custom", "inbox-service", "test", nil)
	pub.On("Publish", mock.Anything, "audit.custom", mock.Anything).Return(assert.AnError).Once()

	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "WARN", "notifications.deleted", "req-2", nil, nil)
	})
	pub.AssertExpectations(t)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "INFO", "x", "", nil, nil)
	})
}
