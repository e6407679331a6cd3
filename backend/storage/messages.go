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
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/conversation"
	"github.com/efchatnet/efdm/backend/models"
)

// ErrNotFound is returned by lookups of unknown messages and participants
var ErrNotFound = errors.New("not found")

// Now returns the current time at the precision every backend can store
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// PrepareMessage validates msg and fills in its conversation key and id.
// The timestamp is left to the backend, which must keep it monotonic per conversation.
func PrepareMessage(msg models.Message) (models.Message, error) {
	if msg.SenderID == "" || msg.ReceiverID == "" {
		return msg, fmt.Errorf("%w: sender and receiver are required", models.ErrInvalidMessage)
	}
	if strings.TrimSpace(msg.Body) == "" {
		return msg, fmt.Errorf("%w: body is empty", models.ErrInvalidMessage)
	}

	key, err := conversation.Resolve(msg.SenderID, msg.ReceiverID)
	if err != nil {
		return msg, fmt.Errorf("%w: %w", models.ErrInvalidMessage, err)
	}
	msg.ConversationKey = key

	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return msg, fmt.Errorf("failed to generate message id: %w", err)
		}
		msg.ID = id.String()
	}
	if !msg.CreatedAt.IsZero() {
		msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)
	}
	msg.Read = false
	msg.ReadAt = nil
	return msg, nil
}

// NextTimestamp returns the creation time for a new message in a conversation whose
// newest message was created at last. The result is always after last, so appends
// keep their order even when servers disagree about the time.
func NextTimestamp(now, last time.Time) time.Time {
	if !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}

// SortMessages orders msgs oldest first, ties broken by id
func SortMessages(msgs []models.Message) {
	slices.SortStableFunc(msgs, CompareMessages)
}

// CompareMessages orders messages by creation time, then by id bytewise
func CompareMessages(a, b models.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Unavailable marks err as a storage failure
func Unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, models.ErrStorageUnavailable, err)
}

// NewConversation builds the record for key, with participants in canonical order
func NewConversation(key models.ConversationKey, createdAt time.Time) (models.Conversation, error) {
	user1, user2, err := conversation.Participants(key)
	if err != nil {
		return models.Conversation{}, err
	}
	return models.Conversation{
		Key:       key,
		User1ID:   user1,
		User2ID:   user2,
		CreatedAt: createdAt,
	}, nil
}

// Summarize views conv from participantID's side
func Summarize(conv models.Conversation, participantID string, unread int) models.ConversationSummary {
	counterpart := conv.User1ID
	if counterpart == participantID {
		counterpart = conv.User2ID
	}
	return models.ConversationSummary{
		Conversation:  conv,
		CounterpartID: counterpart,
		UnreadCount:   unread,
	}
}

// SortSummaries orders a conversation list most recently active first
func SortSummaries(list []models.ConversationSummary) {
	slices.SortStableFunc(list, func(a, b models.ConversationSummary) int {
		return b.LastActivity().Compare(a.LastActivity())
	})
}
