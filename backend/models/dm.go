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

import "time"

// ConversationKey identifies the conversation between exactly two participants.
// It is derived from the participant pair and never stored per message by the caller.
type ConversationKey string

func (k ConversationKey) String() string {
	return string(k)
}

// Message is a single direct message. Only Read and ReadAt change after it is appended.
type Message struct {
	ID              string          `json:"id" db:"message_id"`
	ConversationKey ConversationKey `json:"conversation_key" db:"conversation_key"`
	SenderID        string          `json:"sender_id" db:"sender_id"`
	ReceiverID      string          `json:"receiver_id" db:"receiver_id"`
	Body            string          `json:"body" db:"body"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	Read            bool            `json:"read" db:"read"`
	ReadAt          *time.Time      `json:"read_at,omitempty" db:"read_at"`
}
