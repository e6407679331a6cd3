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

// Package delivery fans new messages out to the viewers of a conversation.
// Delivery is at-most-once and never replays: a subscriber sees only what is
// published after it attached, and missed messages come back through history.
package delivery

import (
	"context"
	"sync"

	"github.com/efchatnet/efdm/backend/models"
)

//go:generate go run go.uber.org/mock/mockgen -destination=../mocks/mock_channel.go -package=mocks . Channel

// subscriberBufferSize is the buffer of each subscription; a full buffer drops messages
const subscriberBufferSize = 64

type Channel interface {
	Publish(ctx context.Context, key models.ConversationKey, msg models.Message) error
	Subscribe(ctx context.Context, key models.ConversationKey) (*Subscription, error)
}

// Subscription receives the messages published on one conversation key.
// C is closed once the subscription ends.
type Subscription struct {
	ID  string
	Key models.ConversationKey
	C   <-chan models.Message

	once   sync.Once
	cancel func()
}

// NewSubscription wraps c. cancel must stop delivery and close c before returning.
func NewSubscription(id string, key models.ConversationKey, c <-chan models.Message, cancel func()) *Subscription {
	return &Subscription{ID: id, Key: key, C: c, cancel: cancel}
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}
