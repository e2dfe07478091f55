package observability

import "context"

// EventEnvelope wraps connection lifecycle events sent to the audit exchange.
type EventEnvelope struct {
	EventType string `json:"event_type"`
	EventName string `json:"event_name"`
	TraceID   string `json:"trace_id,omitempty"`
	Payload   any    `json:"payload"`
}

// BuildHeaders returns the broker headers that tie a published event to the request that caused it.
func BuildHeaders(ctx context.Context) map[string]any {
	headers := map[string]any{}
	if id := RequestIDFromContext(ctx); id != "" {
		headers["x-request-id"] = id
	}
	if id := TraceIDFromContext(ctx); id != "" {
		headers["trace_id"] = id
	}
	return headers
}
