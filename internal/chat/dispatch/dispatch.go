// Package dispatch orchestrates the send path shared by the socket and
// REST layers: authorize, persist, track delivery, fan out.
package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/parley/internal/chat/access"
	"github.com/louisbranch/parley/internal/chat/delivery"
	"github.com/louisbranch/parley/internal/chat/destination"
	"github.com/louisbranch/parley/internal/chat/notify"
	"github.com/louisbranch/parley/internal/chat/presence"
	perrors "github.com/louisbranch/parley/internal/platform/errors"
	"github.com/louisbranch/parley/internal/platform/id"
	"github.com/louisbranch/parley/internal/storage"
)

// App-send actions accepted on chat-scoped send destinations.
const (
	ActionSendMessage = "sendMessage"
	ActionTyping      = "typing"
	ActionLoadHistory = "loadHistory"
)

const defaultHistoryLimit = 50

// Dispatcher glues the gate, registry, tracker, and fan-out together. Both
// the websocket frame loop and the HTTP handlers call into it, so the two
// origins share one authorization and persistence path.
type Dispatcher struct {
	store    storage.Store
	gate     *access.Gate
	registry *presence.Registry
	tracker  *delivery.Tracker
	fanout   *notify.Fanout
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// New wires a dispatcher over its collaborators.
func New(store storage.Store, gate *access.Gate, registry *presence.Registry, tracker *delivery.Tracker, fanout *notify.Fanout) *Dispatcher {
	return &Dispatcher{
		store:    store,
		gate:     gate,
		registry: registry,
		tracker:  tracker,
		fanout:   fanout,
		tracer:   otel.Tracer("parley/chat/dispatch"),
		now:      time.Now,
		newID:    id.NewID,
	}
}

// SendMessage validates and persists one message, then fans it out. Any
// failure before the durable write aborts cleanly; fan-out failures after
// the write are absorbed because delivery is best-effort.
func (d *Dispatcher) SendMessage(ctx context.Context, chatID, senderID, content string, msgType storage.MessageType, replyToID string) (storage.MessageRecord, error) {
	ctx, span := d.tracer.Start(ctx, "chat.SendMessage", trace.WithAttributes(
		attribute.String("chat.id", chatID),
	))
	defer span.End()

	if err := d.authorize(ctx, senderID, destination.AppSend(chatID, ActionSendMessage), access.OpSend); err != nil {
		return storage.MessageRecord{}, err
	}
	if content == "" {
		return storage.MessageRecord{}, perrors.New(perrors.CodeInvalidArgument, "message content is required")
	}
	if msgType == "" {
		msgType = storage.MessageTypeText
	}

	if _, err := d.store.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MessageRecord{}, perrors.New(perrors.CodeNotFound, "chat not found")
		}
		return storage.MessageRecord{}, err
	}
	if replyToID != "" {
		replyTo, err := d.store.GetMessage(ctx, replyToID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.MessageRecord{}, perrors.New(perrors.CodeNotFound, "reply target not found")
			}
			return storage.MessageRecord{}, err
		}
		if replyTo.ChatID != chatID {
			return storage.MessageRecord{}, perrors.New(perrors.CodeInvalidArgument, "reply target belongs to another chat")
		}
	}

	msg := storage.MessageRecord{
		ID:        d.newID(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Type:      msgType,
		ReplyToID: replyToID,
		SentAt:    d.now().UTC(),
	}
	if err := d.store.SaveMessage(ctx, msg); err != nil {
		return storage.MessageRecord{}, err
	}

	participants, err := d.store.ActiveParticipantIDs(ctx, chatID)
	if err != nil {
		// The message is durable; deliver to whoever we can next fetch.
		log.Printf("chat: list participants for %s: %v", chatID, err)
		return msg, nil
	}

	recipients := make([]string, 0, len(participants))
	for _, participantID := range participants {
		if participantID != senderID {
			recipients = append(recipients, participantID)
		}
	}
	if err := d.store.PutReceipts(ctx, msg.ID, recipients); err != nil {
		log.Printf("chat: create receipts for %s: %v", msg.ID, err)
	}

	// Subscribers with a live connection observe the push immediately, so
	// their delivery stamp lands with the send.
	for _, userID := range d.registry.OnlineUsers(chatID) {
		if userID == senderID {
			continue
		}
		if _, err := d.tracker.MarkDelivered(ctx, chatID, userID); err != nil {
			log.Printf("chat: mark delivered for %s in %s: %v", userID, chatID, err)
		}
	}

	d.fanout.MessageSent(msg, participants)
	return msg, nil
}

// LoadHistory returns one page of chat messages newest-first and stamps
// delivery for the caller as a side effect of the fetch. The page is also
// pushed to the caller's personal history queue for socket requests.
func (d *Dispatcher) LoadHistory(ctx context.Context, chatID, userID string, offset, limit int, beforeMessageID string) ([]storage.MessageRecord, error) {
	ctx, span := d.tracer.Start(ctx, "chat.LoadHistory", trace.WithAttributes(
		attribute.String("chat.id", chatID),
	))
	defer span.End()

	if err := d.authorize(ctx, userID, destination.AppSend(chatID, ActionLoadHistory), access.OpSend); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	messages, err := d.store.ListMessages(ctx, chatID, offset, limit, beforeMessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, perrors.New(perrors.CodeNotFound, "history anchor not found")
		}
		return nil, err
	}

	if _, err := d.tracker.MarkDelivered(ctx, chatID, userID); err != nil {
		log.Printf("chat: mark delivered on history for %s in %s: %v", userID, chatID, err)
	}

	d.fanout.HistoryLoaded(userID, chatID, offset, limit, beforeMessageID, messages)
	return messages, nil
}

// MarkRead records an explicit read acknowledgment from the user and
// returns the message ids that gained a read stamp.
func (d *Dispatcher) MarkRead(ctx context.Context, chatID, userID string) ([]string, error) {
	if err := d.authorize(ctx, userID, destination.AppSend(chatID, ""), access.OpSend); err != nil {
		return nil, err
	}
	return d.tracker.MarkRead(ctx, chatID, userID)
}

// Typing relays a typing indicator to the chat topic.
func (d *Dispatcher) Typing(ctx context.Context, chatID, userID string, typing bool) error {
	if err := d.authorize(ctx, userID, destination.AppSend(chatID, ActionTyping), access.OpSend); err != nil {
		return err
	}
	d.fanout.Typing(chatID, userID, typing)
	return nil
}

// CreateChat persists a chat with its initial participants and notifies
// all of them, creator included. Personal chats hold exactly two
// participants and are unique per pair; creating one that already exists
// returns the existing chat.
func (d *Dispatcher) CreateChat(ctx context.Context, name string, chatType storage.ChatType, creatorID string, participantIDs []string) (storage.ChatRecord, error) {
	if creatorID == "" {
		return storage.ChatRecord{}, perrors.New(perrors.CodeUnauthenticated, "creator is required")
	}
	if chatType == "" {
		chatType = storage.ChatTypeGroup
	}

	members := dedupe(append([]string{creatorID}, participantIDs...))
	if chatType == storage.ChatTypePersonal {
		if len(members) != 2 {
			return storage.ChatRecord{}, perrors.New(perrors.CodeInvalidArgument, "a personal chat has exactly two participants")
		}
		// One personal chat per pair: a repeated create returns the
		// existing chat instead of minting a duplicate.
		existing, err := d.store.GetPersonalChat(ctx, members[0], members[1])
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.ChatRecord{}, err
		}
	}

	chat := storage.ChatRecord{
		ID:        d.newID(),
		Name:      name,
		Type:      chatType,
		CreatedBy: creatorID,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.PutChat(ctx, chat); err != nil {
		return storage.ChatRecord{}, err
	}

	for _, userID := range members {
		if err := d.store.AddParticipant(ctx, chat.ID, userID, chat.CreatedAt); err != nil {
			return storage.ChatRecord{}, err
		}
	}

	d.fanout.ChatCreated(chat, members)
	return chat, nil
}

// PersonalChatID resolves the personal chat between the caller and another
// user.
func (d *Dispatcher) PersonalChatID(ctx context.Context, userID, otherID string) (string, error) {
	if userID == "" {
		return "", perrors.New(perrors.CodeUnauthenticated, "caller is required")
	}
	if otherID == "" || otherID == userID {
		return "", perrors.New(perrors.CodeInvalidArgument, "a distinct counterpart user is required")
	}

	chat, err := d.store.GetPersonalChat(ctx, userID, otherID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", perrors.New(perrors.CodeNotFound, "personal chat not found")
		}
		return "", err
	}
	return chat.ID, nil
}

// AddParticipant makes the user an active member of the chat. Re-adding a
// departed member reactivates the original row.
func (d *Dispatcher) AddParticipant(ctx context.Context, chatID, userID string) error {
	if _, err := d.store.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return perrors.New(perrors.CodeNotFound, "chat not found")
		}
		return err
	}
	if err := d.store.AddParticipant(ctx, chatID, userID, d.now().UTC()); err != nil {
		return err
	}
	log.Printf("chat: participant %s added to %s", userID, chatID)
	return nil
}

// RemoveParticipant ends the user's membership. Authorization on later
// frames picks up the revocation; live subscriptions are not torn down
// here.
func (d *Dispatcher) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	if err := d.store.RemoveParticipant(ctx, chatID, userID, d.now().UTC()); err != nil {
		return err
	}
	log.Printf("chat: participant %s removed from %s", userID, chatID)
	return nil
}

// HandleConnect records the authenticated principal for a connection.
func (d *Dispatcher) HandleConnect(connID, userID string) {
	d.registry.Connect(connID, userID)
}

// HandleSubscribe authorizes a subscription and updates presence. A
// first-join transition is announced on the chat topic.
func (d *Dispatcher) HandleSubscribe(ctx context.Context, connID, userID, rawDestination string) error {
	decision, err := d.gate.Authorize(ctx, userID, rawDestination, access.OpSubscribe)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return deniedError(decision, rawDestination)
	}

	dest := destination.Parse(rawDestination)
	if dest.Kind != destination.KindTopic {
		return nil
	}
	if d.registry.Subscribe(connID, dest.ChatID, userID) {
		d.fanout.PresenceChanged(dest.ChatID, userID, true)
	}
	return nil
}

// HandleUnsubscribe updates presence for a dropped subscription. A
// last-leave transition is announced on the chat topic.
func (d *Dispatcher) HandleUnsubscribe(connID, rawDestination string) {
	dest := destination.Parse(rawDestination)
	if dest.Kind != destination.KindTopic {
		return
	}
	if userID, wentOffline := d.registry.Unsubscribe(connID, dest.ChatID); wentOffline {
		d.fanout.PresenceChanged(dest.ChatID, userID, false)
	}
}

// HandleDisconnect clears the connection's presence and announces every
// chat where the user went offline.
func (d *Dispatcher) HandleDisconnect(connID string) {
	for _, departure := range d.registry.Disconnect(connID) {
		d.fanout.PresenceChanged(departure.ChatID, departure.UserID, false)
	}
}

// AuthorizeSend runs the gate for an application send frame.
func (d *Dispatcher) AuthorizeSend(ctx context.Context, userID, rawDestination string) error {
	return d.authorize(ctx, userID, rawDestination, access.OpSend)
}

func (d *Dispatcher) authorize(ctx context.Context, userID, rawDestination string, op access.Op) error {
	decision, err := d.gate.Authorize(ctx, userID, rawDestination, op)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return deniedError(decision, rawDestination)
	}
	return nil
}

func deniedError(decision access.Decision, rawDestination string) error {
	return perrors.WithMetadata(perrors.CodeAccessDenied, "access denied: "+decision.Reason, map[string]string{
		"chat_id":     decision.ChatID,
		"user_id":     decision.PrincipalID,
		"destination": rawDestination,
	})
}

func dedupe(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		out = append(out, userID)
	}
	return out
}
