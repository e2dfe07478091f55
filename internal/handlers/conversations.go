package handlers

import (
	"net/http"
	"strconv"
	"strings"

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

// ConversationHandler serves conversation and message endpoints.
type ConversationHandler struct {
	convRepo    repositories.ConversationRepository
	messageRepo repositories.MessageRepository
	notifRepo   repositories.NotificationRepository
	events      EventPublisher
	audit       *telemetry.AuditEmitter
	log         *zap.Logger
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(
	convRepo repositories.ConversationRepository,
	messageRepo repositories.MessageRepository,
	notifRepo repositories.NotificationRepository,
	events EventPublisher,
	audit *telemetry.AuditEmitter,
	log *zap.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		convRepo:    convRepo,
		messageRepo: messageRepo,
		notifRepo:   notifRepo,
		events:      events,
		audit:       audit,
		log:         logger.OrNop(log),
	}
}

// Register mounts the conversation routes on an authenticated group.
func (h *ConversationHandler) Register(r gin.IRoutes) {
	r.GET("/conversations", h.ListConversations)
	r.POST("/conversations", h.StartConversation)
	r.GET("/conversations/:conversation_id/messages", h.ListMessages)
	r.POST("/conversations/:conversation_id/messages", h.PostMessage)
	r.POST("/conversations/:conversation_id/read", h.MarkRead)
	r.GET("/unread", h.UnreadCount)
}

// ListConversations returns the viewer's conversations, most recently active first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	list, err := h.convRepo.ListConversations(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.log, err, "failed to load conversations")
		return
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// StartConversation returns the conversation with another user, creating it if needed.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		OtherUserID string `json:"other_user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": codeValidation})
		return
	}

	userID := c.GetString(middleware.UserIDKey)
	conv, err := h.convRepo.GetOrCreateConversation(c.Request.Context(), userID, req.OtherUserID)
	if err != nil {
		writeError(c, h.log, err, "could not create conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// ListMessages returns a page of history in ascending order.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	conv, ok := h.participantConversation(c)
	if !ok {
		return
	}

	cursor := models.Cursor{After: c.Query("after")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit", "code": codeValidation})
			return
		}
		cursor.Limit = limit
	}

	page, err := h.messageRepo.ListMessages(c.Request.Context(), conv.ID, cursor)
	if err != nil {
		writeError(c, h.log, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, page)
}

// PostMessage appends a message and fans the change out to both participants.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": codeValidation})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(c, h.log, apperr.Validation("message text is empty"), "")
		return
	}

	ctx := c.Request.Context()
	userID := c.GetString(middleware.UserIDKey)
	msg, conv, err := h.messageRepo.AppendMessage(ctx, c.Param("conversation_id"), userID, req.Content)
	if err != nil {
		writeError(c, h.log, err, "failed to send message")
		return
	}

	publishAll(ctx, h.events, h.log, messageEvents(msg, conv)...)
	h.notifyRecipient(c, msg, conv.Other(userID))
	h.audit.Emit(ctx, "INFO", "message.sent", requestIDFromContext(c), userIDFromContext(c), map[string]any{
		"conversation_id": conv.ID,
		"message_id":      msg.ID,
	})

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// MarkRead marks the other participant's messages read and reports how many transitioned.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conv, ok := h.participantConversation(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	userID := c.GetString(middleware.UserIDKey)
	n, readAt, err := h.messageRepo.MarkRead(ctx, conv.ID, userID)
	if err != nil {
		writeError(c, h.log, err, "failed to mark messages read")
		return
	}
	if n > 0 {
		// Lets the viewer's other devices drop their badge for this conversation.
		publishAll(ctx, h.events, h.log, models.ChangeEvent{
			Type:           models.EventConversationTouched,
			Topic:          models.UserConversationsTopic(userID),
			At:             readAt,
			ConversationID: conv.ID,
			Reason:         "read",
		})
	}
	c.JSON(http.StatusOK, gin.H{"transitioned": n})
}

// UnreadCount returns the viewer's aggregate unread message count.
func (h *ConversationHandler) UnreadCount(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	n, err := h.messageRepo.CountUnread(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.log, err, "failed to count unread messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregate": n})
}

func (h *ConversationHandler) participantConversation(c *gin.Context) (models.Conversation, bool) {
	conv, err := h.convRepo.GetConversation(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		writeError(c, h.log, err, "failed to load conversation")
		return models.Conversation{}, false
	}
	if !conv.HasParticipant(c.GetString(middleware.UserIDKey)) {
		writeError(c, h.log, apperr.ErrNotParticipant, "")
		return models.Conversation{}, false
	}
	return conv, true
}

func (h *ConversationHandler) notifyRecipient(c *gin.Context, msg models.Message, recipientID string) {
	if h.notifRepo == nil {
		return
	}
	ctx := c.Request.Context()
	created, err := h.notifRepo.Create(ctx, notifications.NewMessage(recipientID, msg))
	if err != nil {
		h.log.Warn("create message notification failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
		return
	}
	publishAll(ctx, h.events, h.log, notificationEvent(created))
}

// messageEvents builds the fan-out for a stored message: the conversation topic carries the
// message itself, each participant's list topic carries a touch with the same message.
func messageEvents(msg models.Message, conv models.Conversation) []models.ChangeEvent {
	m := msg
	events := []models.ChangeEvent{{
		Type:           models.EventNewMessage,
		Topic:          models.ConversationTopic(conv.ID),
		At:             msg.CreatedAt,
		ConversationID: conv.ID,
		Message:        &m,
	}}
	for _, participant := range []string{conv.User1ID, conv.User2ID} {
		events = append(events, models.ChangeEvent{
			Type:           models.EventConversationTouched,
			Topic:          models.UserConversationsTopic(participant),
			At:             msg.CreatedAt,
			ConversationID: conv.ID,
			Message:        &m,
		})
	}
	return events
}

func notificationEvent(n models.Notification) models.ChangeEvent {
	return models.ChangeEvent{
		Type:         models.EventNewNotification,
		Topic:        models.UserNotificationsTopic(n.UserID),
		At:           n.CreatedAt,
		Notification: &n,
	}
}
