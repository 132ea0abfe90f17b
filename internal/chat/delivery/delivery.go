// Package delivery advances per-recipient message state from sent to
// delivered to read.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/louisbranch/parley/internal/storage"
)

// Tracker stamps delivered and read receipts. Both transitions are
// monotonic null to timestamp moves keyed by (message, recipient); replays
// with no new messages return no ids, so callers emit no duplicate
// notifications.
type Tracker struct {
	receipts storage.ReceiptStore
	now      func() time.Time
}

// NewTracker returns a tracker over the given receipt store.
func NewTracker(receipts storage.ReceiptStore) *Tracker {
	return &Tracker{receipts: receipts, now: time.Now}
}

// MarkDelivered stamps delivery for every message in the chat the
// recipient has not yet seen, excluding their own. Invoked on history
// fetches and on live pushes; both paths share this idempotent mutation.
func (t *Tracker) MarkDelivered(ctx context.Context, chatID, recipientID string) ([]string, error) {
	if chatID == "" || recipientID == "" {
		return nil, fmt.Errorf("chat id and recipient id are required")
	}
	return t.receipts.MarkDelivered(ctx, chatID, recipientID, t.now().UTC())
}

// MarkRead stamps read state for every unread message the recipient holds
// in the chat. Only explicit client acknowledgments call this; fetches do
// not. A missing delivered stamp is promoted at the same instant so read
// never precedes delivered.
func (t *Tracker) MarkRead(ctx context.Context, chatID, recipientID string) ([]string, error) {
	if chatID == "" || recipientID == "" {
		return nil, fmt.Errorf("chat id and recipient id are required")
	}
	return t.receipts.MarkRead(ctx, chatID, recipientID, t.now().UTC())
}
