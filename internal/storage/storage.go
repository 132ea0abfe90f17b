// Package storage defines persistence contracts for chats, messages,
// participants, and per-recipient delivery receipts.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested chat, message, or receipt is missing.
var ErrNotFound = errors.New("record not found")

// ChatType identifies the kind of chat room.
type ChatType string

const (
	// ChatTypePersonal is a direct chat between two users.
	ChatTypePersonal ChatType = "PERSONAL"
	// ChatTypeGroup is a named chat with any number of participants.
	ChatTypeGroup ChatType = "GROUP"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	// MessageTypeText is plain text content.
	MessageTypeText MessageType = "TEXT"
	// MessageTypeImage is an image reference carried as opaque content.
	MessageTypeImage MessageType = "IMAGE"
	// MessageTypeFile is a file reference carried as opaque content.
	MessageTypeFile MessageType = "FILE"
)

// ChatRecord stores one chat room.
type ChatRecord struct {
	ID        string
	Name      string
	Type      ChatType
	CreatedBy string
	CreatedAt time.Time
}

// ParticipantRecord stores one chat membership. A participant is active
// while LeftAt is nil.
type ParticipantRecord struct {
	ChatID   string
	UserID   string
	JoinedAt time.Time
	LeftAt   *time.Time
}

// MessageRecord stores one sent message. SentAt is set at creation and
// immutable. ReplyToID is empty when the message is not a reply.
type MessageRecord struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	Type      MessageType
	ReplyToID string
	SentAt    time.Time
}

// ReceiptRecord stores delivery state for one (message, recipient) pair.
// DeliveredAt and ReadAt transition from nil to a timestamp exactly once.
type ReceiptRecord struct {
	MessageID   string
	UserID      string
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// ChatStore persists chat rooms.
type ChatStore interface {
	PutChat(ctx context.Context, record ChatRecord) error
	GetChat(ctx context.Context, id string) (ChatRecord, error)
	ListChatsByUser(ctx context.Context, userID string) ([]ChatRecord, error)
	// GetPersonalChat returns the personal chat where both users are
	// active participants, or ErrNotFound when no such chat exists.
	GetPersonalChat(ctx context.Context, userA, userB string) (ChatRecord, error)
}

// ParticipantStore persists chat membership.
type ParticipantStore interface {
	AddParticipant(ctx context.Context, chatID, userID string, joinedAt time.Time) error
	RemoveParticipant(ctx context.Context, chatID, userID string, leftAt time.Time) error
	ActiveParticipantIDs(ctx context.Context, chatID string) ([]string, error)
	IsActiveParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

// MessageStore persists messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, record MessageRecord) error
	GetMessage(ctx context.Context, id string) (MessageRecord, error)
	// ListMessages returns a page of chat messages newest-first. When
	// beforeMessageID is set, only messages sent before it are considered.
	ListMessages(ctx context.Context, chatID string, offset, limit int, beforeMessageID string) ([]MessageRecord, error)
}

// ReceiptStore persists per-recipient delivery and read state.
type ReceiptStore interface {
	// PutReceipts creates empty receipts for a message and its recipients.
	// Existing receipts are left untouched.
	PutReceipts(ctx context.Context, messageID string, userIDs []string) error
	// MarkDelivered stamps deliveredAt on every undelivered receipt the
	// recipient holds in the chat and returns the newly stamped message ids.
	MarkDelivered(ctx context.Context, chatID, recipientID string, at time.Time) ([]string, error)
	// MarkRead stamps readAt on every unread receipt the recipient holds in
	// the chat, promoting a missing deliveredAt at the same instant, and
	// returns the newly stamped message ids.
	MarkRead(ctx context.Context, chatID, recipientID string, at time.Time) ([]string, error)
	GetReceipt(ctx context.Context, messageID, userID string) (ReceiptRecord, error)
}

// Store aggregates the persistence contracts served by one backend.
type Store interface {
	ChatStore
	ParticipantStore
	MessageStore
	ReceiptStore
}
