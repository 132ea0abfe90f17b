package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/parley/internal/storage"
)

// PutReceipts creates empty receipts for a message and its recipients.
// Existing receipts are left untouched.
func (s *Store) PutReceipts(ctx context.Context, messageID string, userIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if len(userIDs) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin receipts transaction: %w", err)
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO message_receipts (message_id, user_id, delivered_at, read_at)
VALUES (?, ?, NULL, NULL)
`, messageID, userID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("put receipt: %w", err)
		}
	}
	return tx.Commit()
}

// MarkDelivered stamps deliveredAt on every undelivered receipt the
// recipient holds in the chat and returns the newly stamped message ids.
// Messages predating the recipient's membership gain a receipt on first
// fetch so late joiners are tracked too.
func (s *Store) MarkDelivered(ctx context.Context, chatID, recipientID string, at time.Time) ([]string, error) {
	return s.stampReceipts(ctx, chatID, recipientID, at, false)
}

// MarkRead stamps readAt on every unread receipt the recipient holds in the
// chat, promoting a missing deliveredAt at the same instant, and returns the
// newly stamped message ids.
func (s *Store) MarkRead(ctx context.Context, chatID, recipientID string, at time.Time) ([]string, error) {
	return s.stampReceipts(ctx, chatID, recipientID, at, true)
}

func (s *Store) stampReceipts(ctx context.Context, chatID, recipientID string, at time.Time, read bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin receipts transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO message_receipts (message_id, user_id, delivered_at, read_at)
SELECT id, ?, NULL, NULL
FROM messages
WHERE chat_id = ? AND sender_id != ?
`, recipientID, chatID, recipientID); err != nil {
		return nil, fmt.Errorf("backfill receipts: %w", err)
	}

	pendingColumn := "delivered_at"
	if read {
		pendingColumn = "read_at"
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
SELECT r.message_id
FROM message_receipts r
JOIN messages m ON m.id = r.message_id
WHERE m.chat_id = ? AND r.user_id = ? AND r.%s IS NULL
ORDER BY m.sent_at, m.id
`, pendingColumn), chatID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list pending receipts: %w", err)
	}
	var messageIDs []string
	for rows.Next() {
		var messageID string
		if err := rows.Scan(&messageID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending receipt: %w", err)
		}
		messageIDs = append(messageIDs, messageID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending receipts: %w", err)
	}
	rows.Close()

	if len(messageIDs) == 0 {
		return nil, tx.Commit()
	}

	millis := toMillis(at)
	for _, messageID := range messageIDs {
		var execErr error
		if read {
			_, execErr = tx.ExecContext(ctx, `
UPDATE message_receipts
SET read_at = ?, delivered_at = COALESCE(delivered_at, ?)
WHERE message_id = ? AND user_id = ? AND read_at IS NULL
`, millis, millis, messageID, recipientID)
		} else {
			_, execErr = tx.ExecContext(ctx, `
UPDATE message_receipts
SET delivered_at = ?
WHERE message_id = ? AND user_id = ? AND delivered_at IS NULL
`, millis, messageID, recipientID)
		}
		if execErr != nil {
			return nil, fmt.Errorf("stamp receipt: %w", execErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit receipts: %w", err)
	}
	return messageIDs, nil
}

// GetReceipt returns the delivery state for one (message, recipient) pair.
func (s *Store) GetReceipt(ctx context.Context, messageID, userID string) (storage.ReceiptRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ReceiptRecord{}, err
	}
	if err := s.ready(); err != nil {
		return storage.ReceiptRecord{}, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()


	var record storage.ReceiptRecord
	var deliveredAt, readAt sql.NullInt64
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT message_id, user_id, delivered_at, read_at
FROM message_receipts
WHERE message_id = ? AND user_id = ?
`, messageID, userID)
	if err := row.Scan(&record.MessageID, &record.UserID, &deliveredAt, &readAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ReceiptRecord{}, storage.ErrNotFound
		}
		return storage.ReceiptRecord{}, fmt.Errorf("scan receipt: %w", err)
	}
	record.DeliveredAt = millisPtr(deliveredAt)
	record.ReadAt = millisPtr(readAt)
	return record, nil
}
