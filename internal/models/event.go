package models

import (
	"fmt"
	"strings"
	"time"
)

// EventType tags a ChangeEvent.
type EventType string

const (
	EventNewMessage          EventType = "new-message"
	EventConversationTouched EventType = "conversation-touched"
	EventNewNotification     EventType = "new-notification"

	// Control frames sent by the server on the feed socket.
	EventSubscribed      EventType = "subscribed"
	EventSubscribeDenied EventType = "subscribe-denied"
	EventUnsubscribed    EventType = "unsubscribed"
)

// IsControl reports whether t is a control frame rather than a change event.
func (t EventType) IsControl() bool {
	return t == EventSubscribed || t == EventSubscribeDenied || t == EventUnsubscribed
}

// SubscriptionOp is the operation carried by a client feed frame.
type SubscriptionOp string

const (
	OpSubscribe   SubscriptionOp = "subscribe"
	OpUnsubscribe SubscriptionOp = "unsubscribe"
)

// SubscriptionFrame is sent by feed clients to manage their topics.
type SubscriptionFrame struct {
	Op    SubscriptionOp `json:"op"`
	Topic Topic          `json:"topic"`
}

// ChangeEvent is pushed over the feed. It either carries a delta that can be applied directly
// (Message, Notification) or only signals that a topic should be re-fetched.
type ChangeEvent struct {
	Type           EventType     `json:"type"`
	Topic          Topic         `json:"topic"`
	At             time.Time     `json:"at"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Notification   *Notification `json:"notification,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

// Topic is a named push-channel scope.
type Topic string

const (
	topicConversation      = "conversation"
	topicUserConversations = "user-conversations"
	topicUserNotifications = "user-notifications"
)

// ConversationTopic is the topic of one conversation.
func ConversationTopic(conversationID string) Topic {
	return Topic(topicConversation + ":" + conversationID)
}

// UserConversationsTopic is the topic of a user's conversation list.
func UserConversationsTopic(userID string) Topic {
	return Topic(topicUserConversations + ":" + userID)
}

// UserNotificationsTopic is the topic of a user's notification stream.
func UserNotificationsTopic(userID string) Topic {
	return Topic(topicUserNotifications + ":" + userID)
}

// Parse splits a topic into its kind and id.
func (t Topic) Parse() (kind, id string, err error) {
	kind, id, ok := strings.Cut(string(t), ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed topic %q", t)
	}
	switch kind {
	case topicConversation, topicUserConversations, topicUserNotifications:
		return kind, id, nil
	}
	return "", "", fmt.Errorf("unknown topic kind %q", kind)
}

// IsConversation reports whether t is a conversation topic.
func (t Topic) IsConversation() bool {
	return strings.HasPrefix(string(t), topicConversation+":")
}

// OwnedBy reports whether t is one of userID's own user topics.
func (t Topic) OwnedBy(userID string) bool {
	return t == UserConversationsTopic(userID) || t == UserNotificationsTopic(userID)
}
