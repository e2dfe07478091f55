package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"inbox-service/internal/apperr"
	"inbox-service/internal/models"
)

// TokenSource returns a bearer token that identifies userID to the server.
type TokenSource func(ctx context.Context, userID string) (string, error)

// HTTPClient talks to the REST surface served by main.go.
type HTTPClient struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

// NewHTTPClient creates a client for baseURL (e.g. http://localhost:8083).
func NewHTTPClient(baseURL string, tokens TokenSource, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, tokens: tokens, http: httpClient}
}

var _ Accessor = (*HTTPClient)(nil)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *HTTPClient) do(ctx context.Context, op, userID, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens(ctx, userID)
		if err != nil {
			return fmt.Errorf("%s: token: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apperr.TransientDeliveryError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apperr.TransientDeliveryError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
		eb.Error = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%s: %w: %s", op, apperr.ErrValidation, eb.Error)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, apperr.ErrNotParticipant)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", op, apperr.ErrNotFound, eb.Error)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &apperr.TransientDeliveryError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, eb.Error)}
	}
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, eb.Error)
}

func (c *HTTPClient) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	var out struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	err := c.do(ctx, "list conversations", userID, http.MethodGet, "/conversations", nil, nil, &out)
	return out.Conversations, err
}

func (c *HTTPClient) GetOrCreateConversation(ctx context.Context, userID, otherID string) (models.Conversation, error) {
	var out struct {
		Conversation models.Conversation `json:"conversation"`
	}
	in := map[string]string{"other_user_id": otherID}
	err := c.do(ctx, "start conversation", userID, http.MethodPost, "/conversations", nil, in, &out)
	return out.Conversation, err
}

func (c *HTTPClient) ListMessages(ctx context.Context, userID, conversationID string, cursor models.Cursor) (models.MessagePage, error) {
	query := url.Values{}
	if cursor.After != "" {
		query.Set("after", cursor.After)
	}
	if cursor.Limit > 0 {
		query.Set("limit", strconv.Itoa(cursor.Limit))
	}
	var page models.MessagePage
	err := c.do(ctx, "list messages", userID, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", query, nil, &page)
	return page, err
}

// AppendMessage rejects empty text locally so that no request is made.
func (c *HTTPClient) AppendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error) {
	if err := ValidateText(text); err != nil {
		return models.Message{}, err
	}
	var out struct {
		Message models.Message `json:"message"`
	}
	in := map[string]string{"content": text}
	err := c.do(ctx, "append message", senderID, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, in, &out)
	return out.Message, err
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID, viewerID string) (int, error) {
	var out struct {
		Transitioned int `json:"transitioned"`
	}
	err := c.do(ctx, "mark read", viewerID, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, &out)
	return out.Transitioned, err
}

func (c *HTTPClient) UnreadAggregate(ctx context.Context, userID string) (int, error) {
	var out struct {
		Aggregate int `json:"aggregate"`
	}
	err := c.do(ctx, "unread aggregate", userID, http.MethodGet, "/unread", nil, nil, &out)
	return out.Aggregate, err
}

func (c *HTTPClient) ListNotifications(ctx context.Context, userID string, limit int) (models.NotificationPage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page models.NotificationPage
	err := c.do(ctx, "list notifications", userID, http.MethodGet, "/notifications", query, nil, &page)
	return page, err
}

func (c *HTTPClient) UnreadNotifications(ctx context.Context, userID string) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	err := c.do(ctx, "unread notifications", userID, http.MethodGet, "/notifications/unread", nil, nil, &out)
	return out.UnreadCount, err
}

func (c *HTTPClient) MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error) {
	var out struct {
		Transitioned bool `json:"transitioned"`
	}
	err := c.do(ctx, "mark notification read", userID, http.MethodPost, "/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil, &out)
	return out.Transitioned, err
}

func (c *HTTPClient) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	var out struct {
		Transitioned int `json:"transitioned"`
	}
	err := c.do(ctx, "mark all notifications read", userID, http.MethodPost, "/notifications/read-all", nil, nil, &out)
	return out.Transitioned, err
}

func (c *HTTPClient) DeleteNotification(ctx context.Context, userID, notificationID string) (bool, error) {
	var out struct {
		WasUnread bool `json:"was_unread"`
	}
	err := c.do(ctx, "delete notification", userID, http.MethodDelete, "/notifications/"+url.PathEscape(notificationID), nil, nil, &out)
	return out.WasUnread, err
}

func (c *HTTPClient) DeleteReadNotifications(ctx context.Context, userID string) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, "delete read notifications", userID, http.MethodDelete, "/notifications/read", nil, nil, &out)
	return out.Deleted, err
}

// IsRetryable reports whether err may succeed on a user-initiated retry.
func IsRetryable(err error) bool {
	return apperr.IsTransient(err) && !errors.Is(err, context.Canceled)
}
