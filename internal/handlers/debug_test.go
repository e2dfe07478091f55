package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inbox-service/internal/mocks"
	"inbox-service/internal/models"
	"inbox-service/internal/telemetry"
)

type fixedCounter int

func (f fixedCounter) Subscribers(models.Topic) int { return int(f) }

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, fixedCounter(0), false)

	rec := do(r, http.MethodGet, "/debug/subscribers?topic=conversation:c1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugSubscribers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, fixedCounter(2), true)

	rec := do(r, http.MethodGet, "/debug/subscribers?topic=conversation:c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"topic":"conversation:c1","subscribers":2}`, rec.Body.String())

	rec = do(r, http.MethodGet, "/debug/subscribers?topic=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebugAuditTest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, telemetry.DefaultRoutingKey, mock.Anything).Return(nil).Once()
	r := gin.New()
	RegisterDebugRoutes(r, telemetry.NewAuditEmitter(pub, "", "inbox-service", "test", zap.NewNop()), fixedCounter(0), true)

	rec := do(r, http.MethodGet, "/debug/audit-test", "")

	require.Equal(t, http.StatusOK, rec.Code)
	pub.AssertExpectations(t)
}
