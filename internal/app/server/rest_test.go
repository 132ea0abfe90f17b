package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/louisbranch/parley/internal/chat/notify"
	"github.com/louisbranch/parley/internal/storage"
)

func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return out
}

func TestRESTRequiresAuthentication(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/api/chats", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	resp = doJSON(t, srv, http.MethodGet, "/api/chats", signToken(t, "alice")+"tampered", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestRESTCreateAndListChats(t *testing.T) {
	srv, _ := newTestServer(t)
	aliceToken := signToken(t, "alice")

	resp := doJSON(t, srv, http.MethodPost, "/api/chats", aliceToken, map[string]any{
		"name":           "team",
		"type":           "GROUP",
		"participantIds": []string{"bob"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	created := decodeBody[chatResponse](t, resp)
	if created.ID == "" {
		t.Fatal("expected chat id")
	}
	if created.CreatedBy != "alice" {
		t.Fatalf("createdBy = %q, want %q", created.CreatedBy, "alice")
	}

	// Both the creator and the invited participant see the chat.
	for _, user := range []string{"alice", "bob"} {
		resp = doJSON(t, srv, http.MethodGet, "/api/chats", signToken(t, user), nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status for %s = %d, want %d", user, resp.StatusCode, http.StatusOK)
		}
		chats := decodeBody[[]chatResponse](t, resp)
		if len(chats) != 1 || chats[0].ID != created.ID {
			t.Fatalf("chats for %s = %+v, want the created chat", user, chats)
		}
	}
}

func TestRESTPersonalChatFindOrCreateAndLookup(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/api/chats", signToken(t, "alice"), createChatRequest{
		Type:           string(storage.ChatTypePersonal),
		ParticipantIDs: []string{"bob"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	first := decodeBody[chatResponse](t, resp)

	// Bob creating the same pair gets the existing chat back.
	resp = doJSON(t, srv, http.MethodPost, "/api/chats", signToken(t, "bob"), createChatRequest{
		Type:           string(storage.ChatTypePersonal),
		ParticipantIDs: []string{"alice"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("repeat status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if second := decodeBody[chatResponse](t, resp); second.ID != first.ID {
		t.Fatalf("chat id = %q, want the existing %q", second.ID, first.ID)
	}

	resp = doJSON(t, srv, http.MethodGet, "/api/chats/personal/bob/id", signToken(t, "alice"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lookup status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if lookup := decodeBody[personalChatIDResponse](t, resp); lookup.ChatID != first.ID {
		t.Fatalf("chat id = %q, want %q", lookup.ChatID, first.ID)
	}

	resp = doJSON(t, srv, http.MethodGet, "/api/chats/personal/stranger/id", signToken(t, "alice"), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown pair status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/chats", signToken(t, "alice"), createChatRequest{
		Type:           string(storage.ChatTypePersonal),
		ParticipantIDs: []string{"bob", "carol"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("three-party personal status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRESTGetChatRequiresMembership(t *testing.T) {
	srv, store := newTestServer(t)
	seedChat(t, store, "chat-1", "alice", "bob")

	resp := doJSON(t, srv, http.MethodGet, "/api/chats/chat-1", signToken(t, "bob"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	chat := decodeBody[chatResponse](t, resp)
	if chat.ID != "chat-1" {
		t.Fatalf("chat id = %q, want %q", chat.ID, "chat-1")
	}

	resp = doJSON(t, srv, http.MethodGet, "/api/chats/chat-1", signToken(t, "carol"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestRESTMessagesStampDeliveryOnFetch(t *testing.T) {
	srv, store := newTestServer(t)
	seedChat(t, store, "chat-1", "alice", "bob")

	ctx := context.Background()
	now := time.Now().UTC()
	msg := storage.MessageRecord{
		ID:       "msg-1",
		ChatID:   "chat-1",
		SenderID: "alice",
		Content:  "hello bob",
		Type:     storage.MessageTypeText,
		SentAt:   now,
	}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("save message: %v", err)
	}
	if err := store.PutReceipts(ctx, "msg-1", []string{"bob"}); err != nil {
		t.Fatalf("put receipts: %v", err)
	}

	resp := doJSON(t, srv, http.MethodGet, "/api/chats/chat-1/messages?limit=10", signToken(t, "bob"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	page := decodeBody[messagesResponse](t, resp)
	if len(page.Messages) != 1 || page.Messages[0].Content != "hello bob" {
		t.Fatalf("messages = %+v, want the seeded message", page.Messages)
	}

	receipt, err := store.GetReceipt(ctx, "msg-1", "bob")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.DeliveredAt == nil {
		t.Fatal("expected delivery stamp after fetch")
	}
	if receipt.ReadAt != nil {
		t.Fatal("fetch must not mark messages read")
	}
}

func TestRESTPostMessagePersistsAndTracksRecipients(t *testing.T) {
	srv, store := newTestServer(t)
	seedChat(t, store, "chat-1", "alice", "bob")

	resp := doJSON(t, srv, http.MethodPost, "/api/chats/chat-1/messages", signToken(t, "alice"), map[string]string{
		"content": "hello over http",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	sent := decodeBody[notify.MessagePayload](t, resp)
	if sent.ID == "" || sent.ChatID != "chat-1" || sent.SenderID != "alice" {
		t.Fatalf("message = %+v, want chat-1 message from alice", sent)
	}
	if sent.Type != string(storage.MessageTypeText) {
		t.Fatalf("type = %q, want %q", sent.Type, storage.MessageTypeText)
	}

	ctx := context.Background()
	stored, err := store.GetMessage(ctx, sent.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Content != "hello over http" {
		t.Fatalf("content = %q, want %q", stored.Content, "hello over http")
	}

	// Bob has no live connection, so the receipt exists but is unstamped.
	receipt, err := store.GetReceipt(ctx, sent.ID, "bob")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.DeliveredAt != nil {
		t.Fatal("offline recipient must not be stamped delivered")
	}
}

func TestRESTPostMessageRejectsOutsidersAndEmptyContent(t *testing.T) {
	srv, store := newTestServer(t)
	seedChat(t, store, "chat-1", "alice", "bob")

	resp := doJSON(t, srv, http.MethodPost, "/api/chats/chat-1/messages", signToken(t, "carol"), map[string]string{
		"content": "let me in",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/chats/chat-1/messages", signToken(t, "alice"), map[string]string{
		"content": "",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRESTMarkReadIsIdempotent(t *testing.T) {
	srv, store := newTestServer(t)
	seedChat(t, store, "chat-1", "alice", "bob")

	ctx := context.Background()
	msg := storage.MessageRecord{
		ID:       "msg-1",
		ChatID:   "chat-1",
		SenderID: "alice",
		Content:  "read me",
		Type:     storage.MessageTypeText,
		SentAt:   time.Now().UTC(),
	}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("save message: %v", err)
	}
	if err := store.PutReceipts(ctx, "msg-1", []string{"bob"}); err != nil {
		t.Fatalf("put receipts: %v", err)
	}

	resp := doJSON(t, srv, http.MethodPost, "/api/chats/chat-1/read", signToken(t, "bob"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	first := decodeBody[markReadResponse](t, resp)
	if len(first.ReadMessageIDs) != 1 || first.ReadMessageIDs[0] != "msg-1" {
		t.Fatalf("read ids = %v, want [msg-1]", first.ReadMessageIDs)
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/chats/chat-1/read", signToken(t, "bob"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	second := decodeBody[markReadResponse](t, resp)
	if len(second.ReadMessageIDs) != 0 {
		t.Fatalf("second read ids = %v, want none", second.ReadMessageIDs)
	}

	// Reading promotes the missing delivery stamp at the same time.
	receipt, err := store.GetReceipt(ctx, "msg-1", "bob")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.DeliveredAt == nil || receipt.ReadAt == nil {
		t.Fatalf("receipt = %+v, want delivered and read stamps", receipt)
	}
}

func TestRESTParticipantLifecycle(t *testing.T) {
	srv, store := newTestServer(t)
	seedChat(t, store, "chat-1", "alice")

	aliceToken := signToken(t, "alice")
	carolToken := signToken(t, "carol")

	// Outsiders cannot add themselves.
	resp := doJSON(t, srv, http.MethodPost, "/api/chats/chat-1/participants", carolToken, map[string]any{"userId": "carol"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/chats/chat-1/participants", aliceToken, map[string]any{"userId": "carol"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	resp = doJSON(t, srv, http.MethodGet, "/api/chats/chat-1", carolToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Members can leave on their own.
	resp = doJSON(t, srv, http.MethodDelete, "/api/chats/chat-1/participants", carolToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	resp = doJSON(t, srv, http.MethodGet, "/api/chats/chat-1", carolToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestRESTMethodNotAllowed(t *testing.T) {
	srv, store := newTestServer(t)
	seedChat(t, store, "chat-1", "alice")

	resp := doJSON(t, srv, http.MethodDelete, "/api/chats", signToken(t, "alice"), nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/chats/chat-1", signToken(t, "alice"), nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestRESTUnknownChatIsDenied(t *testing.T) {
	srv, _ := newTestServer(t)

	// A chat that never existed has no members, so the gate denies it
	// before any lookup can 404.
	resp := doJSON(t, srv, http.MethodGet, "/api/chats/ghost/messages", signToken(t, "alice"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}
