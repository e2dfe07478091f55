package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"inbox-service/internal/apperr"
	"inbox-service/internal/models"
)

// EventPublisher delivers change events to feed subscribers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event models.ChangeEvent) error
}

// Error codes returned alongside the HTTP status; the REST store client keys off the status.
const (
	codeValidation     = "validation"
	codeNotParticipant = "not_participant"
	codeNotFound       = "not_found"
	codeInternal       = "internal"
)

func writeError(c *gin.Context, log *zap.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": codeValidation})
	case errors.Is(err, apperr.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant", "code": codeNotParticipant})
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": codeNotFound})
	default:
		log.Error(fallback, zap.Error(err), zap.String("request_id", requestIDFromContext(c)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback, "code": codeInternal})
	}
}

func publishAll(ctx context.Context, events EventPublisher, log *zap.Logger, batch ...models.ChangeEvent) {
	if events == nil {
		return
	}
	for _, ev := range batch {
		if err := events.PublishEvent(ctx, ev); err != nil {
			log.Warn("publish change event failed",
				zap.String("type", string(ev.Type)),
				zap.String("topic", string(ev.Topic)),
				zap.Error(err),
			)
		}
	}
}
