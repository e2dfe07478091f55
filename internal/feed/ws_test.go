package feed_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inbox-service/internal/apperr"
	"inbox-service/internal/feed"
	"inbox-service/internal/middleware"
	"inbox-service/internal/models"
	"inbox-service/internal/ws"
)

type onlyConversation string

func (c onlyConversation) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	return conversationID == string(c) && (userID == "alice" || userID == "bob"), nil
}

func TestClientAgainstWebsocketHub(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := middleware.NewAuthenticator("ws-integration-secret-000")
	hub := ws.NewHub(zap.NewNop(), nil)
	r := gin.New()
	r.GET("/ws", ws.NewFeedWebSocketHandler(hub, onlyConversation("c1"), auth, zap.NewNop()).Handle)
	srv := httptest.NewServer(r)
	defer srv.Close()

	dialer := feed.WSDialer{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Token: func(context.Context) (string, error) {
			return auth.IssueToken("bob", time.Minute)
		},
	}
	c := feed.NewClient(dialer, feed.Options{BackoffInitial: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond})
	c.Start(context.Background())
	defer c.Close()
	require.Eventually(t, c.Connected, waitFor, tick)

	topic := models.ConversationTopic("c1")
	rec := &recorder{}
	_, err := c.Subscribe(context.Background(), topic, rec.handle)
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers(topic))

	_, err = c.Subscribe(context.Background(), models.UserNotificationsTopic("alice"), rec.handle)
	var subErr *apperr.SubscriptionError
	require.ErrorAs(t, err, &subErr)

	require.NoError(t, hub.PublishEvent(context.Background(), models.ChangeEvent{
		Type: models.EventNewMessage, Topic: topic, At: time.Now().UTC(), Message: message("m1"),
	}))
	require.Eventually(t, func() bool { return rec.len() == 1 }, waitFor, tick)
	assert.Equal(t, "m1", rec.snapshot()[0].Message.ID)
}
