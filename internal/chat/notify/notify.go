// Package notify composes chat events into topic broadcasts and addressed
// per-user notifications.
package notify

import (
	"time"

	"github.com/louisbranch/parley/internal/chat/destination"
	"github.com/louisbranch/parley/internal/storage"
)

// Event types carried in envelope and notification frames.
const (
	EventMessage          = "MESSAGE"
	EventMessageDelivered = "MESSAGE_DELIVERED"
	EventTyping           = "TYPING"
	EventUserOnline       = "USER_ONLINE"
	EventUserOffline      = "USER_OFFLINE"
	EventHistory          = "HISTORY"
	EventNewMessage       = "NEW_MESSAGE"
	EventNewChat          = "NEW_CHAT"
)

// Per-user queue names.
const (
	QueueNotifications = "/queue/notifications"
	QueueHistory       = "/queue/history"
)

// previewLimit caps notification previews at 50 characters.
const previewLimit = 50

// Envelope is the event frame broadcast to chat topics and history queues.
type Envelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	ChatID    string `json:"chatId"`
	Timestamp int64  `json:"timestamp"`
}

// Notification is the addressed frame sent to a user's notification queue.
type Notification struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Preview   string `json:"preview"`
	Timestamp int64  `json:"timestamp"`
}

// MessagePayload mirrors a stored message on the wire.
type MessagePayload struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	ReplyToID string `json:"replyToId,omitempty"`
	SentAt    int64  `json:"sentAt"`
}

// DeliveredPayload identifies one per-recipient delivery.
type DeliveredPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// TypingPayload carries a typing indicator.
type TypingPayload struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

// PresencePayload identifies the user whose presence changed.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// HistoryPayload carries one page of messages back to the requester.
type HistoryPayload struct {
	ChatID          string           `json:"chatId"`
	Offset          int              `json:"offset"`
	Limit           int              `json:"limit"`
	BeforeMessageID string           `json:"beforeMessageId,omitempty"`
	Messages        []MessagePayload `json:"messages"`
}

// Broker routes payloads to topic subscribers and per-user queues. Both
// operations are best-effort: routing to zero subscribers or to a stalled
// peer is absorbed, never surfaced.
type Broker interface {
	Broadcast(topic string, payload any)
	SendToUser(userID, queue string, payload any)
}

// Fanout turns domain events into the addressed deliveries the wire
// contract requires.
type Fanout struct {
	broker Broker
	now    func() time.Time
}

// NewFanout returns a fan-out over the given broker.
func NewFanout(broker Broker) *Fanout {
	return &Fanout{broker: broker, now: time.Now}
}

// MessageSent broadcasts the message to its chat topic, then notifies
// every participant except the sender on their personal queue and emits a
// per-recipient delivery event on the topic. The sender never receives its
// own NEW_MESSAGE notification.
func (f *Fanout) MessageSent(msg storage.MessageRecord, participantIDs []string) {
	topic := destination.Topic(msg.ChatID)
	now := f.now().UTC().UnixMilli()

	f.broker.Broadcast(topic, Envelope{
		Type:      EventMessage,
		Payload:   messagePayload(msg),
		ChatID:    msg.ChatID,
		Timestamp: now,
	})

	for _, participantID := range participantIDs {
		if participantID == msg.SenderID {
			continue
		}
		f.broker.SendToUser(participantID, QueueNotifications, Notification{
			Type:      EventNewMessage,
			ChatID:    msg.ChatID,
			SenderID:  msg.SenderID,
			Preview:   Preview(msg.Content),
			Timestamp: now,
		})
		f.broker.Broadcast(topic, Envelope{
			Type:      EventMessageDelivered,
			Payload:   DeliveredPayload{MessageID: msg.ID, UserID: participantID},
			ChatID:    msg.ChatID,
			Timestamp: now,
		})
	}
}

// ChatCreated notifies every participant, including the creator, so all of
// the creator's devices learn about the new chat.
func (f *Fanout) ChatCreated(chat storage.ChatRecord, participantIDs []string) {
	now := f.now().UTC().UnixMilli()
	for _, participantID := range participantIDs {
		f.broker.SendToUser(participantID, QueueNotifications, Notification{
			Type:      EventNewChat,
			ChatID:    chat.ID,
			SenderID:  chat.CreatedBy,
			Preview:   Preview(chat.Name),
			Timestamp: now,
		})
	}
}

// Typing broadcasts a typing indicator to the chat topic. Not persisted;
// dropped silently when nobody subscribes.
func (f *Fanout) Typing(chatID, userID string, typing bool) {
	f.broker.Broadcast(destination.Topic(chatID), Envelope{
		Type:      EventTyping,
		Payload:   TypingPayload{UserID: userID, Typing: typing},
		ChatID:    chatID,
		Timestamp: f.now().UTC().UnixMilli(),
	})
}

// PresenceChanged broadcasts USER_ONLINE or USER_OFFLINE to the chat
// topic. Callers invoke it only on first-join and last-leave transitions.
func (f *Fanout) PresenceChanged(chatID, userID string, online bool) {
	eventType := EventUserOffline
	if online {
		eventType = EventUserOnline
	}
	f.broker.Broadcast(destination.Topic(chatID), Envelope{
		Type:      eventType,
		Payload:   PresencePayload{UserID: userID},
		ChatID:    chatID,
		Timestamp: f.now().UTC().UnixMilli(),
	})
}

// HistoryLoaded sends one page of messages to the requesting user's
// history queue. History is never broadcast.
func (f *Fanout) HistoryLoaded(userID, chatID string, offset, limit int, beforeMessageID string, messages []storage.MessageRecord) {
	payload := HistoryPayload{
		ChatID:          chatID,
		Offset:          offset,
		Limit:           limit,
		BeforeMessageID: beforeMessageID,
		Messages:        make([]MessagePayload, 0, len(messages)),
	}
	for _, msg := range messages {
		payload.Messages = append(payload.Messages, messagePayload(msg))
	}
	f.broker.SendToUser(userID, QueueHistory, Envelope{
		Type:      EventHistory,
		Payload:   payload,
		ChatID:    chatID,
		Timestamp: f.now().UTC().UnixMilli(),
	})
}

// Preview truncates content to the notification preview cap, counting
// characters rather than bytes so multibyte content is not split.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit])
}

func messagePayload(msg storage.MessageRecord) MessagePayload {
	return MessagePayload{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Type:      string(msg.Type),
		ReplyToID: msg.ReplyToID,
		SentAt:    msg.SentAt.UTC().UnixMilli(),
	}
}
