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
	"fmt"
)

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Ids and keys compare bytewise, the same order conversation.Resolve uses
		// Participants known to the identity directory
		`CREATE TABLE IF NOT EXISTS participants (
			id VARCHAR(255) COLLATE "C" PRIMARY KEY,
			username VARCHAR(64) NOT NULL,
			picture TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// One row per participant pair. Appends lock it to keep timestamps monotonic.
		`CREATE TABLE IF NOT EXISTS dm_conversations (
			conversation_key VARCHAR(520) COLLATE "C" PRIMARY KEY,
			user1_id VARCHAR(255) COLLATE "C" NOT NULL,
			user2_id VARCHAR(255) COLLATE "C" NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_message_at TIMESTAMPTZ,
			CONSTRAINT unique_dm_pair UNIQUE (user1_id, user2_id),
			CONSTRAINT ordered_users CHECK (user1_id < user2_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_dm_conversations_user1 
		ON dm_conversations(user1_id)`,

		`CREATE INDEX IF NOT EXISTS idx_dm_conversations_user2 
		ON dm_conversations(user2_id)`,

		// Append-only message log
		`CREATE TABLE IF NOT EXISTS dm_messages (
			message_id VARCHAR(255) COLLATE "C" PRIMARY KEY,
			conversation_key VARCHAR(520) COLLATE "C" NOT NULL,
			sender_id VARCHAR(255) COLLATE "C" NOT NULL,
			receiver_id VARCHAR(255) COLLATE "C" NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			read_at TIMESTAMPTZ,
			FOREIGN KEY (conversation_key) REFERENCES dm_conversations(conversation_key)
		)`,

		// Index for history retrieval in conversation order
		`CREATE INDEX IF NOT EXISTS idx_dm_messages_history 
		ON dm_messages(conversation_key, created_at, message_id)`,

		// Index for unread counts
		`CREATE INDEX IF NOT EXISTS idx_dm_messages_unread 
		ON dm_messages(conversation_key, receiver_id) WHERE NOT read`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}

	return nil
}
