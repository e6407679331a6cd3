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

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/models"
)

// Hub is the in-process Channel for a single server instance
type Hub struct {
	mu          sync.RWMutex
	subscribers map[models.ConversationKey]map[string]chan models.Message // key -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

var _ Channel = (*Hub)(nil)

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[models.ConversationKey]map[string]chan models.Message),
		logger:      logger.With("component", "hub"),
	}
}

// Subscribe registers for messages on key until the subscription is released or ctx ends
func (h *Hub) Subscribe(ctx context.Context, key models.ConversationKey) (*Subscription, error) {
	subID := uuid.New().String()
	ch := make(chan models.Message, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: hub closed", models.ErrDeliveryUnavailable)
	}
	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[string]chan models.Message)
	}
	h.subscribers[key][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "conversation_key", key, "sub_id", subID)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.unsubscribe(key, subID)
		case <-stop:
		}
	}()

	return NewSubscription(subID, key, ch, func() {
		h.unsubscribe(key, subID)
		close(stop)
	}), nil
}

// Publish hands msg to every current subscriber of key without blocking.
// Subscribers with a full buffer miss it.
func (h *Hub) Publish(_ context.Context, key models.ConversationKey, msg models.Message) error {
	// Sends are non-blocking, so the read lock is held across them to keep
	// unsubscribe from closing a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return fmt.Errorf("%w: hub closed", models.ErrDeliveryUnavailable)
	}
	for subID, ch := range h.subscribers[key] {
		select {
		case ch <- msg:
		default:
			h.logger.Warn("dropped message for slow subscriber",
				"conversation_key", key,
				"sub_id", subID,
				"message_id", msg.ID)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions on key
func (h *Hub) Subscribers(key models.ConversationKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[key])
}

func (h *Hub) unsubscribe(key models.ConversationKey, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, key)
	}

	h.logger.Debug("subscriber removed", "conversation_key", key, "sub_id", subID)
}

// Close ends every subscription. Later subscribes and publishes fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, key)
	}
	h.closed = true

	h.logger.Debug("hub closed")
}
