package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/parley/internal/storage"
)

// SaveMessage persists one message row.
func (s *Store) SaveMessage(ctx context.Context, record storage.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(record.ChatID) == "" {
		return fmt.Errorf("chat id is required")
	}
	if record.Type == "" {
		record.Type = storage.MessageTypeText
	}
	if record.SentAt.IsZero() {
		record.SentAt = time.Now().UTC()
	}

	var replyTo sql.NullString
	if record.ReplyToID != "" {
		replyTo = sql.NullString{String: record.ReplyToID, Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO messages (id, chat_id, sender_id, content, message_type, reply_to_id, sent_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, record.ID, record.ChatID, record.SenderID, record.Content, string(record.Type), replyTo, toMillis(record.SentAt))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMessage returns one message row by id.
func (s *Store) GetMessage(ctx context.Context, id string) (storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MessageRecord{}, err
	}
	if err := s.ready(); err != nil {
		return storage.MessageRecord{}, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()


	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, chat_id, sender_id, content, message_type, reply_to_id, sent_at
FROM messages
WHERE id = ?
`, id)
	return scanMessage(row)
}

// ListMessages returns a page of chat messages newest-first. When
// beforeMessageID names a known message, only rows sent strictly before it
// are considered.
func (s *Store) ListMessages(ctx context.Context, chatID string, offset, limit int, beforeMessageID string) ([]storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
SELECT id, chat_id, sender_id, content, message_type, reply_to_id, sent_at
FROM messages
WHERE chat_id = ?
`
	args := []any{chatID}
	if beforeMessageID != "" {
		anchor, err := s.GetMessage(ctx, beforeMessageID)
		if err != nil {
			return nil, err
		}
		query += "AND (sent_at < ? OR (sent_at = ? AND id < ?))\n"
		args = append(args, toMillis(anchor.SentAt), toMillis(anchor.SentAt), anchor.ID)
	}
	query += "ORDER BY sent_at DESC, id DESC\nLIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.MessageRecord
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row rowScanner) (storage.MessageRecord, error) {
	var record storage.MessageRecord
	var messageType string
	var replyTo sql.NullString
	var sentAt int64
	err := row.Scan(&record.ID, &record.ChatID, &record.SenderID, &record.Content, &messageType, &replyTo, &sentAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MessageRecord{}, storage.ErrNotFound
		}
		return storage.MessageRecord{}, fmt.Errorf("scan message: %w", err)
	}
	record.Type = storage.MessageType(messageType)
	record.ReplyToID = replyTo.String
	record.SentAt = fromMillis(sentAt)
	return record, nil
}
