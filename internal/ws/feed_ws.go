package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"inbox-service/internal/middleware"
	"inbox-service/internal/models"
	"inbox-service/internal/observability"
)

const (
	readDeadline = 90 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = int64(4 << 10)
)

// ParticipantChecker authorizes conversation topic subscriptions.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// FeedWebSocketHandler serves the multiplexed change feed: one socket, many topics.
type FeedWebSocketHandler struct {
	hub    *Hub
	checks ParticipantChecker
	auth   *middleware.Authenticator
	log    *zap.Logger
}

// NewFeedWebSocketHandler constructs a FeedWebSocketHandler.
func NewFeedWebSocketHandler(hub *Hub, checks ParticipantChecker, auth *middleware.Authenticator, log *zap.Logger) *FeedWebSocketHandler {
	return &FeedWebSocketHandler{hub: hub, checks: checks, auth: auth, log: log}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// deadlineConn bounds every write so one slow socket cannot stall a fan-out.
type deadlineConn struct {
	*websocket.Conn
}

func (c deadlineConn) WriteJSON(v interface{}) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteJSON(v)
}

// Handle upgrades the connection, registers the client and serves subscription frames.
func (h *FeedWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("inbox-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, err := middleware.TokenFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	userID, err := h.auth.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		ClientMeta:  observability.ClientMetaFromRequest(c.Request),
		ConnectedAt: time.Now(),
	}
	client := h.hub.Register(deadlineConn{conn}, info)
	log := h.log.With(zap.String("conn_id", info.ConnID), zap.String("user_id", userID))
	log.Debug("feed connected")

	go h.keepAlive(client, conn)
	go h.readLoop(client, conn, log)
}

func (h *FeedWebSocketHandler) readLoop(client *Client, conn *websocket.Conn, log *zap.Logger) {
	var closeReason string
	defer func() {
		h.hub.Remove(client, closeReason)
		conn.Close()
		log.Debug("feed disconnected", zap.String("reason", closeReason))
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		var frame models.SubscriptionFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				closeReason = err.Error()
				observability.IncWSEvent("ws_error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		h.handleFrame(client, frame, log)
	}
}

func (h *FeedWebSocketHandler) handleFrame(client *Client, frame models.SubscriptionFrame, log *zap.Logger) {
	reply := models.ChangeEvent{Topic: frame.Topic, At: time.Now().UTC()}
	switch frame.Op {
	case models.OpSubscribe:
		if reason := h.authorize(client.Info().UserID, frame.Topic); reason != "" {
			reply.Type = models.EventSubscribeDenied
			reply.Reason = reason
			log.Info("feed subscription denied", zap.String("topic", string(frame.Topic)), zap.String("reason", reason))
			break
		}
		h.hub.Subscribe(client, frame.Topic)
		reply.Type = models.EventSubscribed
	case models.OpUnsubscribe:
		h.hub.Unsubscribe(client, frame.Topic)
		reply.Type = models.EventUnsubscribed
	default:
		reply.Type = models.EventSubscribeDenied
		reply.Reason = "unknown op"
	}
	if err := client.Send(reply); err != nil {
		log.Debug("feed reply failed", zap.Error(err))
	}
}

// authorize returns an empty string when userID may listen on topic.
func (h *FeedWebSocketHandler) authorize(userID string, topic models.Topic) string {
	if _, _, err := topic.Parse(); err != nil {
		return err.Error()
	}
	if topic.OwnedBy(userID) {
		return ""
	}
	if !topic.IsConversation() {
		return "not your topic"
	}
	_, conversationID, _ := topic.Parse()
	ok, err := h.checks.IsParticipant(context.Background(), conversationID, userID)
	if err != nil {
		return "membership check failed"
	}
	if !ok {
		return "not a conversation participant"
	}
	return ""
}

func (h *FeedWebSocketHandler) keepAlive(client *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		client.writes.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		client.writes.Unlock()
		if err != nil {
			return
		}
	}
}
