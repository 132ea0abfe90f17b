package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/parley/internal/chat/destination"
	"github.com/louisbranch/parley/internal/chat/dispatch"
	perrors "github.com/louisbranch/parley/internal/platform/errors"
	"github.com/louisbranch/parley/internal/platform/id"
	"github.com/louisbranch/parley/internal/platform/requestctx"
	"github.com/louisbranch/parley/internal/storage"
)

func handleWSConn(conn *websocket.Conn, b *broker, dispatcher *dispatch.Dispatcher) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.Background()
	userID := ""
	if request := conn.Request(); request != nil {
		ctx = request.Context()
		userID = requestctx.UserID(ctx)
	}

	connID := id.NewID()
	peer := newWSPeer(conn, userID)
	b.register(peer)
	if userID != "" {
		dispatcher.HandleConnect(connID, userID)
	}
	defer func() {
		dispatcher.HandleDisconnect(connID)
		b.drop(peer)
		peer.close()
	}()

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			writeWSError(peer, "", string(perrors.CodeInvalidFrame), "invalid frame")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			writeWSError(peer, frame.Destination, string(perrors.CodeInvalidFrame), "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			writeWSError(peer, frame.Destination, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Command {
		case commandSubscribe:
			handleSubscribeFrame(ctx, peer, b, dispatcher, connID, userID, frame)
		case commandUnsubscribe:
			handleUnsubscribeFrame(peer, b, dispatcher, connID, frame)
		case commandSend:
			handleSendFrame(ctx, peer, b, dispatcher, userID, frame)
		default:
			writeWSError(peer, frame.Destination, string(perrors.CodeInvalidFrame), "unsupported command")
		}
	}
}

func handleSubscribeFrame(ctx context.Context, peer *wsPeer, b *broker, dispatcher *dispatch.Dispatcher, connID, userID string, frame wsFrame) {
	dest := strings.TrimSpace(frame.Destination)
	if dest == "" {
		writeWSError(peer, "", string(perrors.CodeInvalidFrame), "destination is required")
		return
	}
	// Register with the broker first so the subscriber observes its own
	// first-join presence event; a denied gate rolls the registration back.
	b.subscribe(peer, dest)
	if err := dispatcher.HandleSubscribe(ctx, connID, userID, dest); err != nil {
		b.unsubscribe(peer, dest)
		writeDispatchError(peer, dest, err)
	}
}

func handleUnsubscribeFrame(peer *wsPeer, b *broker, dispatcher *dispatch.Dispatcher, connID string, frame wsFrame) {
	dest := strings.TrimSpace(frame.Destination)
	if dest == "" {
		writeWSError(peer, "", string(perrors.CodeInvalidFrame), "destination is required")
		return
	}
	dispatcher.HandleUnsubscribe(connID, dest)
	b.unsubscribe(peer, dest)
}

func handleSendFrame(ctx context.Context, peer *wsPeer, b *broker, dispatcher *dispatch.Dispatcher, userID string, frame wsFrame) {
	raw := strings.TrimSpace(frame.Destination)
	if raw == "" {
		writeWSError(peer, "", string(perrors.CodeInvalidFrame), "destination is required")
		return
	}

	dest := destination.Parse(raw)
	if dest.Kind != destination.KindAppSend {
		// Plain sends, chat topics included, relay the payload untouched
		// to whoever subscribed the destination.
		if err := dispatcher.AuthorizeSend(ctx, userID, raw); err != nil {
			writeDispatchError(peer, raw, err)
			return
		}
		b.Broadcast(raw, frame.Payload)
		return
	}

	switch dest.Action {
	case dispatch.ActionSendMessage:
		var payload sendMessagePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			writeWSError(peer, raw, string(perrors.CodeInvalidFrame), "invalid send payload")
			return
		}
		if utf8.RuneCountInString(payload.Content) > maxMessageContentRunes {
			writeWSError(peer, raw, string(perrors.CodeInvalidArgument), "content must be at most 2000 characters")
			return
		}
		if _, err := dispatcher.SendMessage(ctx, dest.ChatID, userID, payload.Content, storage.MessageType(payload.Type), payload.ReplyToID); err != nil {
			writeDispatchError(peer, raw, err)
		}
	case dispatch.ActionTyping:
		var payload typingPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			writeWSError(peer, raw, string(perrors.CodeInvalidFrame), "invalid typing payload")
			return
		}
		if err := dispatcher.Typing(ctx, dest.ChatID, userID, payload.Typing); err != nil {
			writeDispatchError(peer, raw, err)
		}
	case dispatch.ActionLoadHistory:
		var payload loadHistoryPayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				writeWSError(peer, raw, string(perrors.CodeInvalidFrame), "invalid history payload")
				return
			}
		}
		if _, err := dispatcher.LoadHistory(ctx, dest.ChatID, userID, payload.Offset, payload.Limit, payload.BeforeMessageID); err != nil {
			writeDispatchError(peer, raw, err)
		}
	default:
		writeWSError(peer, raw, string(perrors.CodeInvalidFrame), "unsupported action")
	}
}

func writeDispatchError(peer *wsPeer, dest string, err error) {
	var perr *perrors.Error
	if errors.As(err, &perr) {
		writeWSError(peer, dest, string(perr.Code), perr.Message)
		return
	}
	writeWSError(peer, dest, string(perrors.CodeUnknown), "internal error")
}

func writeWSError(peer *wsPeer, dest string, code string, message string) {
	peer.send(wsFrame{
		Command:     commandError,
		Destination: dest,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:    code,
				Message: message,
			},
		}),
	})
}
