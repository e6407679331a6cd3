// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package sqlite is a single-node message store on modernc.org/sqlite.
// Timestamps are kept as unix microseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore opens the database at path, creating parent directories and schema as needed
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlite-store")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers, which keeps appends per conversation linear
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			picture TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS dm_conversations (
			conversation_key TEXT PRIMARY KEY,
			user1_id TEXT NOT NULL,
			user2_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_message_at INTEGER,
			UNIQUE (user1_id, user2_id),
			CHECK (user1_id < user2_id)
		);

		CREATE TABLE IF NOT EXISTS dm_messages (
			message_id TEXT PRIMARY KEY,
			conversation_key TEXT NOT NULL REFERENCES dm_conversations(conversation_key),
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			read INTEGER NOT NULL DEFAULT 0,
			read_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_dm_messages_history ON dm_messages(conversation_key, created_at, message_id);
		CREATE INDEX IF NOT EXISTS idx_dm_conversations_user1 ON dm_conversations(user1_id);
		CREATE INDEX IF NOT EXISTS idx_dm_conversations_user2 ON dm_conversations(user2_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storage.Unavailable("ping database", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	msg, err := storage.PrepareMessage(msg)
	if err != nil {
		return models.Message{}, err
	}
	conv, err := storage.NewConversation(msg.ConversationKey, storage.Now())
	if err != nil {
		return models.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, storage.Unavailable("begin append", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO dm_conversations (conversation_key, user1_id, user2_id, created_at)
		VALUES (?, ?, ?, ?)
	`, string(conv.Key), conv.User1ID, conv.User2ID, conv.CreatedAt.UnixMicro())
	if err != nil {
		return models.Message{}, storage.Unavailable("create conversation", err)
	}

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT last_message_at FROM dm_conversations WHERE conversation_key = ?`,
		string(conv.Key)).Scan(&last)
	if err != nil {
		return models.Message{}, storage.Unavailable("load conversation", err)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = storage.NextTimestamp(storage.Now(), fromMicros(last))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dm_messages (message_id, conversation_key, sender_id, receiver_id, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, string(msg.ConversationKey), msg.SenderID, msg.ReceiverID, msg.Body, msg.CreatedAt.UnixMicro())
	if isConstraintViolation(err) {
		return models.Message{}, fmt.Errorf("%w: duplicate message id %s", models.ErrInvalidMessage, msg.ID)
	}
	if err != nil {
		return models.Message{}, storage.Unavailable("insert message", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE dm_conversations
		SET last_message_at = MAX(COALESCE(last_message_at, ?), ?)
		WHERE conversation_key = ?
	`, msg.CreatedAt.UnixMicro(), msg.CreatedAt.UnixMicro(), string(msg.ConversationKey))
	if err != nil {
		return models.Message{}, storage.Unavailable("update last message", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, storage.Unavailable("commit append", err)
	}
	return msg, nil
}

func (s *Store) History(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, conversation_key, sender_id, receiver_id, body, created_at, read, read_at
		FROM dm_messages
		WHERE conversation_key = ?
		ORDER BY created_at ASC, message_id ASC
	`, string(key))
	if err != nil {
		return nil, storage.Unavailable("query history", err)
	}
	defer rows.Close()

	history := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storage.Unavailable("scan message", err)
		}
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("read history", err)
	}
	return history, nil
}

func (s *Store) MarkRead(ctx context.Context, key models.ConversationKey, receiverID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dm_messages
		SET read = 1, read_at = ?
		WHERE conversation_key = ? AND receiver_id = ? AND read = 0
	`, storage.Now().UnixMicro(), string(key), receiverID)
	if err != nil {
		return 0, storage.Unavailable("mark messages read", err)
	}
	flipped, err := result.RowsAffected()
	if err != nil {
		return 0, storage.Unavailable("count read messages", err)
	}
	return int(flipped), nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, conversation_key, sender_id, receiver_id, body, created_at, read, read_at
		FROM dm_messages
		WHERE message_id = ?
	`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Message{}, storage.Unavailable("get message", err)
	}
	return msg, nil
}

func (s *Store) EnsureConversation(ctx context.Context, key models.ConversationKey) (models.Conversation, bool, error) {
	conv, err := storage.NewConversation(key, storage.Now())
	if err != nil {
		return models.Conversation{}, false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO dm_conversations (conversation_key, user1_id, user2_id, created_at)
		VALUES (?, ?, ?, ?)
	`, string(conv.Key), conv.User1ID, conv.User2ID, conv.CreatedAt.UnixMicro())
	if err != nil {
		return models.Conversation{}, false, storage.Unavailable("create conversation", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return models.Conversation{}, false, storage.Unavailable("create conversation", err)
	}

	var createdAt int64
	var last sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at, last_message_at FROM dm_conversations WHERE conversation_key = ?`,
		string(key)).Scan(&createdAt, &last)
	if err != nil {
		return models.Conversation{}, false, storage.Unavailable("load conversation", err)
	}
	conv.CreatedAt = time.UnixMicro(createdAt).UTC()
	conv.LastMessageAt = optionalMicros(last)
	return conv, inserted > 0, nil
}

func (s *Store) ListConversations(ctx context.Context, participantID string) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.conversation_key, c.user1_id, c.user2_id, c.created_at, c.last_message_at,
		       (SELECT COUNT(*) FROM dm_messages m
		        WHERE m.conversation_key = c.conversation_key
		          AND m.receiver_id = ?1 AND m.read = 0)
		FROM dm_conversations c
		WHERE c.user1_id = ?1 OR c.user2_id = ?1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`, participantID)
	if err != nil {
		return nil, storage.Unavailable("list conversations", err)
	}
	defer rows.Close()

	list := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var conv models.Conversation
		var key string
		var createdAt int64
		var last sql.NullInt64
		var unread int
		if err := rows.Scan(&key, &conv.User1ID, &conv.User2ID, &createdAt, &last, &unread); err != nil {
			return nil, storage.Unavailable("scan conversation", err)
		}
		conv.Key = models.ConversationKey(key)
		conv.CreatedAt = time.UnixMicro(createdAt).UTC()
		conv.LastMessageAt = optionalMicros(last)
		list = append(list, storage.Summarize(conv, participantID, unread))
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("list conversations", err)
	}
	return list, nil
}

func (s *Store) GetParticipant(ctx context.Context, id string) (models.Participant, error) {
	var p models.Participant
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, picture, created_at FROM participants WHERE id = ?`, id,
	).Scan(&p.ID, &p.Username, &p.Picture, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Participant{}, storage.Unavailable("get participant", err)
	}
	p.CreatedAt = time.UnixMicro(createdAt).UTC()
	return p, nil
}

func (s *Store) SaveParticipant(ctx context.Context, p models.Participant) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = storage.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, username, picture, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, picture = excluded.picture
	`, p.ID, p.Username, p.Picture, p.CreatedAt.UnixMicro())
	if err != nil {
		return storage.Unavailable("save participant", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (models.Message, error) {
	var msg models.Message
	var key string
	var createdAt int64
	var readAt sql.NullInt64
	err := row.Scan(&msg.ID, &key, &msg.SenderID, &msg.ReceiverID, &msg.Body, &createdAt, &msg.Read, &readAt)
	if err != nil {
		return models.Message{}, err
	}
	msg.ConversationKey = models.ConversationKey(key)
	msg.CreatedAt = time.UnixMicro(createdAt).UTC()
	msg.ReadAt = optionalMicros(readAt)
	return msg, nil
}

func fromMicros(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMicro(v.Int64).UTC()
}

func optionalMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

// isConstraintViolation reports a UNIQUE or PRIMARY KEY conflict
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}
