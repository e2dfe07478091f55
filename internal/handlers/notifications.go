package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"inbox-service/internal/apperr"
	"inbox-service/internal/logger"
	"inbox-service/internal/middleware"
	"inbox-service/internal/models"
	"inbox-service/internal/notifications"
	"inbox-service/internal/repositories"
	"inbox-service/internal/telemetry"
)

const defaultNotificationLimit = 20

// NotificationHandler serves the notification inbox.
type NotificationHandler struct {
	repo   repositories.NotificationRepository
	events EventPublisher
	audit  *telemetry.AuditEmitter
	log    *zap.Logger
}

func NewNotificationHandler(repo repositories.NotificationRepository, events EventPublisher, audit *telemetry.AuditEmitter, log *zap.Logger) *NotificationHandler {
	return &NotificationHandler{repo: repo, events: events, audit: audit, log: logger.OrNop(log)}
}

// Register mounts the user-facing notification routes.
func (h *NotificationHandler) Register(r gin.IRoutes) {
	r.GET("/notifications", h.List)
	r.GET("/notifications/unread", h.UnreadCount)
	r.POST("/notifications/read-all", h.MarkAllRead)
	r.POST("/notifications/:notification_id/read", h.MarkRead)
	r.DELETE("/notifications/read", h.DeleteRead)
	r.DELETE("/notifications/:notification_id", h.Delete)
}

// RegisterInternal mounts the producer endpoint used by other services. Only service tokens
// may call it; r must already run AuthMiddleware.
func (h *NotificationHandler) RegisterInternal(r gin.IRouter) {
	internal := r.Group("/internal", middleware.RequireRole(middleware.RoleService))
	internal.POST("/notifications", h.Create)
}

func (h *NotificationHandler) List(c *gin.Context) {
	limit := defaultNotificationLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit", "code": codeValidation})
			return
		}
		limit = parsed
	}

	page, err := h.repo.ListPage(c.Request.Context(), c.GetString(middleware.UserIDKey), limit)
	if err != nil {
		writeError(c, h.log, err, "failed to load notifications")
		return
	}
	if page.Notifications == nil {
		page.Notifications = []models.Notification{}
	}
	c.JSON(http.StatusOK, page)
}

func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	n, err := h.repo.UnreadCount(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		writeError(c, h.log, err, "failed to count notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": n})
}

// MarkRead reports whether the notification moved from unread to read.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	transitioned, err := h.repo.MarkRead(c.Request.Context(), c.Param("notification_id"), c.GetString(middleware.UserIDKey))
	if err != nil {
		writeError(c, h.log, err, "failed to mark notification read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitioned": transitioned})
}

func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := h.repo.MarkAllRead(ctx, c.GetString(middleware.UserIDKey))
	if err != nil {
		writeError(c, h.log, err, "failed to mark notifications read")
		return
	}
	h.audit.Emit(ctx, "INFO", "notifications.read_all", requestIDFromContext(c), userIDFromContext(c), map[string]any{"count": n})
	c.JSON(http.StatusOK, gin.H{"transitioned": n})
}

// Delete removes one notification and reports whether it was still unread.
func (h *NotificationHandler) Delete(c *gin.Context) {
	wasUnread, err := h.repo.Delete(c.Request.Context(), c.Param("notification_id"), c.GetString(middleware.UserIDKey))
	if err != nil {
		writeError(c, h.log, err, "failed to delete notification")
		return
	}
	c.JSON(http.StatusOK, gin.H{"was_unread": wasUnread})
}

func (h *NotificationHandler) DeleteRead(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := h.repo.DeleteRead(ctx, c.GetString(middleware.UserIDKey))
	if err != nil {
		writeError(c, h.log, err, "failed to delete notifications")
		return
	}
	h.audit.Emit(ctx, "INFO", "notifications.deleted_read", requestIDFromContext(c), userIDFromContext(c), map[string]any{"count": n})
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

type createNotificationRequest struct {
	UserID           string                  `json:"user_id" binding:"required"`
	Type             models.NotificationType `json:"type" binding:"required"`
	ConversationID   string                  `json:"conversation_id"`
	ProposalID       string                  `json:"proposal_id"`
	ProjectID        string                  `json:"project_id"`
	ProjectTitle     string                  `json:"project_title"`
	ProfessionalName string                  `json:"professional_name"`
	Reason           string                  `json:"reason"`
	Title            string                  `json:"title"`
	Body             string                  `json:"body"`
}

// Create stores a typed notification on behalf of a producer and pushes it to the owner.
func (h *NotificationHandler) Create(c *gin.Context) {
	var req createNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": codeValidation})
		return
	}

	n, err := buildNotification(req)
	if err != nil {
		writeError(c, h.log, err, "")
		return
	}

	ctx := c.Request.Context()
	created, err := h.repo.Create(ctx, n)
	if err != nil {
		writeError(c, h.log, err, "failed to create notification")
		return
	}
	publishAll(ctx, h.events, h.log, notificationEvent(created))
	c.JSON(http.StatusCreated, gin.H{"notification": created})
}

func buildNotification(req createNotificationRequest) (models.Notification, error) {
	var n models.Notification
	switch req.Type {
	case models.NotificationNewMessage:
		if req.ConversationID == "" {
			return n, apperr.Validation("conversation_id is required")
		}
		n = notifications.NewMessage(req.UserID, models.Message{ConversationID: req.ConversationID, Content: req.Body})
	case models.NotificationNewProposal:
		if req.ProposalID == "" {
			return n, apperr.Validation("proposal_id is required")
		}
		n = notifications.NewProposal(req.UserID, req.ProposalID, req.ProjectTitle, req.ProfessionalName)
	case models.NotificationProposalAccepted:
		if req.ProposalID == "" {
			return n, apperr.Validation("proposal_id is required")
		}
		n = notifications.ProposalAccepted(req.UserID, req.ProposalID, req.ProjectTitle)
	case models.NotificationProposalRejected:
		if req.ProposalID == "" {
			return n, apperr.Validation("proposal_id is required")
		}
		n = notifications.ProposalRejected(req.UserID, req.ProposalID, req.ProjectTitle, req.Reason)
	case models.NotificationNewProject:
		if req.ProjectID == "" {
			return n, apperr.Validation("project_id is required")
		}
		n = notifications.NewProject(req.UserID, req.ProjectID, req.ProjectTitle)
	default:
		return n, apperr.Validation("unknown notification type " + string(req.Type))
	}
	if req.Title != "" {
		n.Title = req.Title
	}
	if req.Body != "" {
		n.Body = req.Body
	}
	return n, nil
}
