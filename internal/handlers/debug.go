package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"inbox-service/internal/models"
	"inbox-service/internal/telemetry"
)

// SubscriberCounter reports how many feed connections hold a topic.
type SubscriberCounter interface {
	Subscribers(topic models.Topic) int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, emitter *telemetry.AuditEmitter, hub SubscriberCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit.test", requestIDFromContext(c), userIDFromContext(c), nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/subscribers", func(c *gin.Context) {
		topic := models.Topic(c.Query("topic"))
		if _, _, err := topic.Parse(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"topic": topic, "subscribers": hub.Subscribers(topic)})
	})
}
