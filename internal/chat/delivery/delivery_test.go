package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/parley/internal/storage"
)

type receiptCall struct {
	op          string
	chatID      string
	recipientID string
	at          time.Time
}

type fakeReceiptStore struct {
	calls []receiptCall
	ids   []string
}

func (f *fakeReceiptStore) PutReceipts(context.Context, string, []string) error { return nil }

func (f *fakeReceiptStore) MarkDelivered(_ context.Context, chatID, recipientID string, at time.Time) ([]string, error) {
	f.calls = append(f.calls, receiptCall{op: "delivered", chatID: chatID, recipientID: recipientID, at: at})
	return f.ids, nil
}

func (f *fakeReceiptStore) MarkRead(_ context.Context, chatID, recipientID string, at time.Time) ([]string, error) {
	f.calls = append(f.calls, receiptCall{op: "read", chatID: chatID, recipientID: recipientID, at: at})
	return f.ids, nil
}

func (f *fakeReceiptStore) GetReceipt(context.Context, string, string) (storage.ReceiptRecord, error) {
	return storage.ReceiptRecord{}, storage.ErrNotFound
}

func TestMarkDeliveredStampsWithTrackerClock(t *testing.T) {
	t.Parallel()

	stamp := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeReceiptStore{ids: []string{"msg-1", "msg-2"}}
	tracker := NewTracker(store)
	tracker.now = func() time.Time { return stamp }

	ids, err := tracker.MarkDelivered(context.Background(), "chat-1", "user-b")
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 stamped ids, got %v", ids)
	}
	if len(store.calls) != 1 {
		t.Fatalf("expected one store call, got %d", len(store.calls))
	}
	call := store.calls[0]
	if call.op != "delivered" || call.chatID != "chat-1" || call.recipientID != "user-b" {
		t.Fatalf("unexpected call: %+v", call)
	}
	if !call.at.Equal(stamp) {
		t.Fatalf("stamp time = %v, want %v", call.at, stamp)
	}
}

func TestMarkReadRequiresIdentifiers(t *testing.T) {
	t.Parallel()

	store := &fakeReceiptStore{}
	tracker := NewTracker(store)

	if _, err := tracker.MarkRead(context.Background(), "", "user-b"); err == nil {
		t.Fatal("expected missing chat id error")
	}
	if _, err := tracker.MarkDelivered(context.Background(), "chat-1", ""); err == nil {
		t.Fatal("expected missing recipient id error")
	}
	if len(store.calls) != 0 {
		t.Fatalf("invalid input should not reach the store, got %d calls", len(store.calls))
	}
}

func TestMarkReadPassesThroughStampedIDs(t *testing.T) {
	t.Parallel()

	store := &fakeReceiptStore{ids: []string{"msg-9"}}
	tracker := NewTracker(store)

	ids, err := tracker.MarkRead(context.Background(), "chat-1", "user-b")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(ids) != 1 || ids[0] != "msg-9" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if store.calls[0].op != "read" {
		t.Fatalf("expected read call, got %+v", store.calls[0])
	}
}
