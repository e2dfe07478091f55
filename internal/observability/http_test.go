package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestClientMetaFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	r.Header.Set("X-Device-Id", "phone-1")
	r.Header.Set("X-Request-Id", "req-1")

	meta := ClientMetaFromRequest(r)
	assert.Equal(t, ClientMeta{DeviceID: "phone-1", IP: "10.0.0.7", RequestID: "req-1"}, meta)

	r.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
	assert.Equal(t, "192.168.1.1", ClientMetaFromRequest(r).IP)
}

func TestRequestIDPrefersContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "from-header")
	r = r.WithContext(WithRequestID(r.Context(), "from-ctx"))

	assert.Equal(t, "from-ctx", RequestIDFromRequest(r))
}

func TestBuildHeaders(t *testing.T) {
	assert.Empty(t, BuildHeaders(context.Background()))

	traceID := trace.TraceID{1, 2, 3}
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: trace.SpanID{4}})
	ctx := trace.ContextWithSpanContext(WithRequestID(context.Background(), "req-9"), sc)

	assert.Equal(t, map[string]any{
		"x-request-id": "req-9",
		"trace_id":     traceID.String(),
	}, BuildHeaders(ctx))
}
