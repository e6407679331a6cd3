// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const messageColumns = `message_id, conversation_key, sender_id, receiver_id, body, created_at, read, read_at`

// Append stores msg. The conversation row is locked for the duration of the
// transaction so concurrent appends on one key get non-decreasing timestamps.
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
		INSERT INTO dm_conversations (conversation_key, user1_id, user2_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_key) DO NOTHING
	`, string(conv.Key), conv.User1ID, conv.User2ID, conv.CreatedAt)
	if err != nil {
		return models.Message{}, storage.Unavailable("create conversation", err)
	}

	var last sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT last_message_at FROM dm_conversations
		WHERE conversation_key = $1
		FOR UPDATE
	`, string(conv.Key)).Scan(&last)
	if err != nil {
		return models.Message{}, storage.Unavailable("lock conversation", err)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = storage.NextTimestamp(storage.Now(), last.Time.UTC())
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dm_messages (message_id, conversation_key, sender_id, receiver_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, string(msg.ConversationKey), msg.SenderID, msg.ReceiverID, msg.Body, msg.CreatedAt)
	if isUniqueViolation(err) {
		return models.Message{}, fmt.Errorf("%w: duplicate message id %s", models.ErrInvalidMessage, msg.ID)
	}
	if err != nil {
		return models.Message{}, storage.Unavailable("insert message", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE dm_conversations
		SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		WHERE conversation_key = $1
	`, string(msg.ConversationKey), msg.CreatedAt)
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
		SELECT `+messageColumns+`
		FROM dm_messages
		WHERE conversation_key = $1
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
		SET read = TRUE, read_at = $3
		WHERE conversation_key = $1 AND receiver_id = $2 AND NOT read
	`, string(key), receiverID, storage.Now())
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
		SELECT `+messageColumns+`
		FROM dm_messages
		WHERE message_id = $1
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

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (models.Message, error) {
	var msg models.Message
	var readAt sql.NullTime
	err := row.Scan(
		&msg.ID, &msg.ConversationKey, &msg.SenderID, &msg.ReceiverID,
		&msg.Body, &msg.CreatedAt, &msg.Read, &readAt,
	)
	if err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.ReadAt = nullTime(readAt)
	return msg, nil
}
