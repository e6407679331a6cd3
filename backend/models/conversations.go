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

package models

import (
	"time"
)

// Conversation is the record kept per participant pair. User1ID always sorts before User2ID.
type Conversation struct {
	Key           ConversationKey `json:"conversation_key"`
	User1ID       string          `json:"user1_id"`
	User2ID       string          `json:"user2_id"`
	CreatedAt     time.Time       `json:"created_at"`
	LastMessageAt *time.Time      `json:"last_message_at,omitempty"`
}

// ConversationSummary is a conversation as seen by one of its participants
type ConversationSummary struct {
	Conversation
	CounterpartID string `json:"counterpart_id"`
	UnreadCount   int    `json:"unread_count"`
}

// LastActivity returns the time used to order a participant's conversation list
func (c Conversation) LastActivity() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
