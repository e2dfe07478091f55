package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"inbox-service/internal/apperr"
	"inbox-service/internal/middleware"
	"inbox-service/internal/mocks"
	"inbox-service/internal/models"
	"inbox-service/internal/repositories"
)

const (
	convID = "0190a1b2-0000-7000-8000-000000000001"
	alice  = "alice"
	bob    = "bob"
)

type conversationDeps struct {
	convRepo  *mocks.ConversationRepositoryMock
	msgRepo   *mocks.MessageRepositoryMock
	notifRepo *mocks.NotificationRepositoryMock
	events    *mocks.EventPublisherMock
}

func setupConversationRouter(userID string) (*gin.Engine, conversationDeps) {
	gin.SetMode(gin.TestMode)
	deps := conversationDeps{
		convRepo:  new(mocks.ConversationRepositoryMock),
		msgRepo:   new(mocks.MessageRepositoryMock),
		notifRepo: new(mocks.NotificationRepositoryMock),
		events:    new(mocks.EventPublisherMock),
	}
	handler := NewConversationHandler(deps.convRepo, deps.msgRepo, deps.notifRepo, deps.events, nil, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	})
	handler.Register(r)
	return r, deps
}

func conversation() models.Conversation {
	return models.Conversation{ID: convID, User1ID: alice, User2ID: bob}
}

func do(r *gin.Engine, method, path string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestListConversationsSuccess(t *testing.T) {
	r, deps := setupConversationRouter(alice)
	deps.convRepo.On("ListConversations", mock.Anything, alice).Return([]models.ConversationSummary{
		{Conversation: conversation(), OtherUserID: bob, UnreadCount: 2},
	}, nil).Once()

	rec := do(r, http.MethodGet, "/conversations", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, bob, resp.Conversations[0].OtherUserID)
	assert.Equal(t, 2, resp.Conversations[0].UnreadCount)
	deps.convRepo.AssertExpectations(t)
}

func TestListConversationsRepoError(t *testing.T) {
	r, deps := setupConversationRouter(alice)
	deps.convRepo.On("ListConversations", mock.Anything, alice).Return(nil, assert.AnError).Once()

	rec := do(r, http.MethodGet, "/conversations", "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	deps.convRepo.AssertExpectations(t)
}

func TestStartConversation(t *testing.T) {
	r, deps := setupConversationRouter(alice)
	deps.convRepo.On("GetOrCreateConversation", mock.Anything, alice, bob).Return(conversation(), nil).Once()

	rec := do(r, http.MethodPost, "/conversations", `{"other_user_id":"bob"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), convID)
	deps.convRepo.AssertExpectations(t)
}

func TestStartConversationWithSelfIsValidationError(t *testing.T) {
	r, deps := setupConversationRouter(alice)
	deps.convRepo.On("GetOrCreateConversation", mock.Anything, alice, alice).
		Return(nil, apperr.Validation("cannot start a conversation with self")).Once()

	rec := do(r, http.MethodPost, "/conversations", `{"other_user_id":"alice"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	deps.convRepo.AssertExpectations(t)
}

func TestListMessagesPassesCursor(t *testing.T) {
	r, deps := setupConversationRouter(alice)
	deps.convRepo.On("GetConversation", mock.Anything, convID).Return(conversation(), nil).Once()
	deps.msgRepo.On("ListMessages", mock.Anything, convID, models.Cursor{After: "m1", Limit: 10}).
		Return(models.MessagePage{Messages: []models.Message{{ID: "m2"}}, NextCursor: "m2"}, nil).Once()

	rec := do(r, http.MethodGet, "/conversations/"+convID+"/messages?after=m1&limit=10", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var page models.MessagePage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, "m2", page.NextCursor)
	deps.msgRepo.AssertExpectations(t)
}

func TestListMessagesRejectsNonParticipant(t *testing.T) {
	r, deps := setupConversationRouter("mallory")
	deps.convRepo.On("GetConversation", mock.Anything, convID).Return(conversation(), nil).Once()

	rec := do(r, http.MethodGet, "/conversations/"+convID+"/messages", "")

	require.Equal(t, http.StatusForbidden, rec.Code)
	deps.msgRepo.AssertNotCalled(t, "ListMessages", mock.Anything, mock.Anything, mock.Anything)
}

func TestListMessagesUnknownConversation(t *testing.T) {
	r, deps := setupConversationRouter(alice)
	deps.convRepo.On("GetConversation", mock.Anything, convID).Return(nil, repositories.ErrConversationNotFound).Once()

	rec := do(r, http.MethodGet, "/conversations/"+convID+"/messages", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostMessageFansOut(t *testing.T) {
	r, deps := setupConversationRouter(alice)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := models.Message{ID: "m1", ConversationID: convID, SenderID: alice, Content: "hello", CreatedAt: at}
	deps.msgRepo.On("AppendMessage", mock.Anything, convID, alice, "hello").Return(msg, conversation(), nil).Once()
	deps.notifRepo.On("Create", mock.Anything, mock.MatchedBy(func(n models.Notification) bool {
		return n.UserID == bob && n.Type == models.NotificationNewMessage
	})).Return(models.Notification{ID: "n1", UserID: bob, Type: models.NotificationNewMessage, CreatedAt: at}, nil).Once()

	var published []models.ChangeEvent
	deps.events.On("PublishEvent", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { published = append(published, args.Get(1).(models.ChangeEvent)) }).
		Return(nil)

	rec := do(r, http.MethodPost, "/conversations/"+convID+"/messages", `{"content":"hello"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, published, 4)
	assert.Equal(t, models.EventNewMessage, published[0].Type)
	assert.Equal(t, models.ConversationTopic(convID), published[0].Topic)
	assert.Equal(t, models.UserConversationsTopic(alice), published[1].Topic)
	assert.Equal(t, models.UserConversationsTopic(bob), published[2].Topic)
	assert.Equal(t, models.EventNewNotification, published[3].Type)
	assert.Equal(t, models.UserNotificationsTopic(bob), published[3].Topic)
	deps.msgRepo.AssertExpectations(t)
	deps.notifRepo.AssertExpectations(t)
}

func TestPostMessageEmptyTextNeverReachesStore(t *testing.T) {
	r, deps := setupConversationRouter(alice)

	rec := do(r, http.MethodPost, "/conversations/"+convID+"/messages", `{"content":"   "}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	deps.msgRepo.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	deps.events.AssertNotCalled(t, "PublishEvent", mock.Anything, mock.Anything)
}

func TestPostMessageNotParticipant(t *testing.T) {
	r, deps := setupConversationRouter("mallory")
	deps.msgRepo.On("AppendMessage", mock.Anything, convID, "mallory", "hi").
		Return(nil, nil, apperr.ErrNotParticipant).Once()

	rec := do(r, http.MethodPost, "/conversations/"+convID+"/messages", `{"content":"hi"}`)

	require.Equal(t, http.StatusForbidden, rec.Code)
	deps.events.AssertNotCalled(t, "PublishEvent", mock.Anything, mock.Anything)
}

func TestPostMessageSurvivesNotificationFailure(t *testing.T) {
	r, deps := setupConversationRouter(alice)
	msg := models.Message{ID: "m1", ConversationID: convID, SenderID: alice, Content: "hi"}
	deps.msgRepo.On("AppendMessage", mock.Anything, convID, alice, "hi").Return(msg, conversation(), nil).Once()
	deps.notifRepo.On("Create", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()
	deps.events.On("PublishEvent", mock.Anything, mock.Anything).Return(nil).Times(3)

	rec := do(r, http.MethodPost, "/conversations/"+convID+"/messages", `{"content":"hi"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	deps.events.AssertExpectations(t)
}

func TestMarkReadReportsTransitions(t *testing.T) {
	r, deps := setupConversationRouter(bob)
	deps.convRepo.On("GetConversation", mock.Anything, convID).Return(conversation(), nil).Once()
	readAt := time.Date(2026, 5, 1, 9, 0, 0, 123000, time.UTC)
	deps.msgRepo.On("MarkRead", mock.Anything, convID, bob).Return(3, readAt, nil).Once()
	deps.events.On("PublishEvent", mock.Anything, mock.MatchedBy(func(ev models.ChangeEvent) bool {
		return ev.Topic == models.UserConversationsTopic(bob) && ev.Type == models.EventConversationTouched &&
			ev.At.Equal(readAt)
	})).Return(nil).Once()

	rec := do(r, http.MethodPost, "/conversations/"+convID+"/read", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"transitioned":3}`, rec.Body.String())
	deps.events.AssertExpectations(t)
}

func TestMarkReadNothingToDo(t *testing.T) {
	r, deps := setupConversationRouter(bob)
	deps.convRepo.On("GetConversation", mock.Anything, convID).Return(conversation(), nil).Once()
	deps.msgRepo.On("MarkRead", mock.Anything, convID, bob).Return(0, time.Time{}, nil).Once()

	rec := do(r, http.MethodPost, "/conversations/"+convID+"/read", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"transitioned":0}`, rec.Body.String())
	deps.events.AssertNotCalled(t, "PublishEvent", mock.Anything, mock.Anything)
}

func TestUnreadCount(t *testing.T) {
	r, deps := setupConversationRouter(bob)
	deps.msgRepo.On("CountUnread", mock.Anything, bob).Return(5, nil).Once()

	rec := do(r, http.MethodGet, "/unread", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"aggregate":5}`, rec.Body.String())
}
