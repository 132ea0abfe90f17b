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

// PutChat persists one chat row, replacing any prior row with the same id.
func (s *Store) PutChat(ctx context.Context, record storage.ChatRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("chat id is required")
	}
	if record.Type == "" {
		record.Type = storage.ChatTypeGroup
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO chats (id, name, chat_type, created_by, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    chat_type = excluded.chat_type
`, record.ID, record.Name, string(record.Type), record.CreatedBy, toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("put chat: %w", err)
	}
	return nil
}

// GetChat returns one chat row by id.
func (s *Store) GetChat(ctx context.Context, id string) (storage.ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChatRecord{}, err
	}
	if err := s.ready(); err != nil {
		return storage.ChatRecord{}, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()


	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, chat_type, created_by, created_at
FROM chats
WHERE id = ?
`, id)
	return scanChat(row)
}

// ListChatsByUser returns the chats where the user is an active participant,
// newest first.
func (s *Store) ListChatsByUser(ctx context.Context, userID string) ([]storage.ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()


	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT c.id, c.name, c.chat_type, c.created_by, c.created_at
FROM chats c
JOIN chat_participants p ON p.chat_id = c.id
WHERE p.user_id = ? AND p.left_at IS NULL
ORDER BY c.created_at DESC, c.id
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats by user: %w", err)
	}
	defer rows.Close()

	var chats []storage.ChatRecord
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

// GetPersonalChat returns the personal chat shared by both users. The
// oldest match wins so the lookup stays stable if duplicates ever exist.
func (s *Store) GetPersonalChat(ctx context.Context, userA, userB string) (storage.ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChatRecord{}, err
	}
	if err := s.ready(); err != nil {
		return storage.ChatRecord{}, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if strings.TrimSpace(userA) == "" || strings.TrimSpace(userB) == "" {
		return storage.ChatRecord{}, fmt.Errorf("both user ids are required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT c.id, c.name, c.chat_type, c.created_by, c.created_at
FROM chats c
JOIN chat_participants a ON a.chat_id = c.id AND a.user_id = ? AND a.left_at IS NULL
JOIN chat_participants b ON b.chat_id = c.id AND b.user_id = ? AND b.left_at IS NULL
WHERE c.chat_type = ?
ORDER BY c.created_at, c.id
LIMIT 1
`, userA, userB, string(storage.ChatTypePersonal))
	return scanChat(row)
}

// AddParticipant records an active membership, reactivating a prior
// membership if the user had left.
func (s *Store) AddParticipant(ctx context.Context, chatID, userID string, joinedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("chat id and user id are required")
	}
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO chat_participants (chat_id, user_id, joined_at, left_at)
VALUES (?, ?, ?, NULL)
ON CONFLICT(chat_id, user_id) DO UPDATE SET
    joined_at = excluded.joined_at,
    left_at = NULL
`, chatID, userID, toMillis(joinedAt))
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// RemoveParticipant marks a membership as left. Removing an unknown or
// already-left membership is a no-op.
func (s *Store) RemoveParticipant(ctx context.Context, chatID, userID string, leftAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if leftAt.IsZero() {
		leftAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE chat_participants
SET left_at = ?
WHERE chat_id = ? AND user_id = ? AND left_at IS NULL
`, toMillis(leftAt), chatID, userID)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

// ActiveParticipantIDs returns the users currently joined to the chat.
func (s *Store) ActiveParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()


	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT user_id
FROM chat_participants
WHERE chat_id = ? AND left_at IS NULL
ORDER BY user_id
`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list active participants: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return userIDs, nil
}

// IsActiveParticipant reports whether the user is currently joined to the chat.
func (s *Store) IsActiveParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()


	var found int
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT 1
FROM chat_participants
WHERE chat_id = ? AND user_id = ? AND left_at IS NULL
`, chatID, userID)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check participant: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (storage.ChatRecord, error) {
	var record storage.ChatRecord
	var chatType string
	var createdAt int64
	if err := row.Scan(&record.ID, &record.Name, &chatType, &record.CreatedBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ChatRecord{}, storage.ErrNotFound
		}
		return storage.ChatRecord{}, fmt.Errorf("scan chat: %w", err)
	}
	record.Type = storage.ChatType(chatType)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}
