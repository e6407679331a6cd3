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

package storage

import (
	"context"

	"github.com/efchatnet/efdm/backend/models"
)

// MessageStore is the append-only message log
type MessageStore interface {
	// Append validates msg, assigns its id and timestamp when absent and appends it
	// to the conversation derived from its sender and receiver.
	Append(ctx context.Context, msg models.Message) (models.Message, error)
	// History returns every message of key, oldest first. Unknown keys yield an empty slice.
	History(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	// MarkRead flips the unread messages of key addressed to receiverID and returns how many changed.
	MarkRead(ctx context.Context, key models.ConversationKey, receiverID string) (int, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
}

type ConversationStore interface {
	EnsureConversation(ctx context.Context, key models.ConversationKey) (models.Conversation, bool, error)
	ListConversations(ctx context.Context, participantID string) ([]models.ConversationSummary, error)
}

type ParticipantStore interface {
	GetParticipant(ctx context.Context, id string) (models.Participant, error)
	SaveParticipant(ctx context.Context, p models.Participant) error
}

type Store interface {
	MessageStore
	ConversationStore
	ParticipantStore
	Ping(ctx context.Context) error
	Close() error
}
