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

package postgres

import (
	"context"
	"database/sql"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

// EnsureConversation creates the conversation for key unless it already exists
func (s *Store) EnsureConversation(ctx context.Context, key models.ConversationKey) (models.Conversation, bool, error) {
	conv, err := storage.NewConversation(key, storage.Now())
	if err != nil {
		return models.Conversation{}, false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_conversations (conversation_key, user1_id, user2_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_key) DO NOTHING
	`, string(conv.Key), conv.User1ID, conv.User2ID, conv.CreatedAt)
	if err != nil {
		return models.Conversation{}, false, storage.Unavailable("create conversation", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return models.Conversation{}, false, storage.Unavailable("create conversation", err)
	}

	var lastMessageAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT created_at, last_message_at
		FROM dm_conversations
		WHERE conversation_key = $1
	`, string(key)).Scan(&conv.CreatedAt, &lastMessageAt)
	if err != nil {
		return models.Conversation{}, false, storage.Unavailable("load conversation", err)
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.LastMessageAt = nullTime(lastMessageAt)

	return conv, inserted > 0, nil
}

// ListConversations returns the conversations of participantID, most recently active first
func (s *Store) ListConversations(ctx context.Context, participantID string) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.conversation_key, c.user1_id, c.user2_id, c.created_at, c.last_message_at,
		       (SELECT COUNT(*) FROM dm_messages m
		        WHERE m.conversation_key = c.conversation_key
		          AND m.receiver_id = $1 AND NOT m.read) AS unread
		FROM dm_conversations c
		WHERE c.user1_id = $1 OR c.user2_id = $1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`, participantID)
	if err != nil {
		return nil, storage.Unavailable("list conversations", err)
	}
	defer rows.Close()

	list := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var conv models.Conversation
		var lastMessageAt sql.NullTime
		var unread int
		if err := rows.Scan(&conv.Key, &conv.User1ID, &conv.User2ID, &conv.CreatedAt, &lastMessageAt, &unread); err != nil {
			return nil, storage.Unavailable("scan conversation", err)
		}
		conv.CreatedAt = conv.CreatedAt.UTC()
		conv.LastMessageAt = nullTime(lastMessageAt)
		list = append(list, storage.Summarize(conv, participantID, unread))
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("list conversations", err)
	}
	return list, nil
}
