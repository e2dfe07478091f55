package ws

import (
	"time"

	"github.com/google/uuid"

	"inbox-service/internal/observability"
)

// ConnInfo describes one feed socket for logs and lifecycle audit events.
type ConnInfo struct {
	ConnID string
	UserID string
	observability.ClientMeta
	ConnectedAt time.Time
}

func newConnID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
