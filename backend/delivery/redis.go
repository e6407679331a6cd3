// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/models"
)

// notifyPrefix is the Redis pub/sub channel prefix: dm:notify:{conversationKey}
const notifyPrefix = "dm:notify:"

// RedisChannel fans messages out across server instances through Redis pub/sub
type RedisChannel struct {
	rdb    *redis.Client
	logger *slog.Logger
}

var _ Channel = (*RedisChannel)(nil)

func NewRedisChannel(rdb *redis.Client, logger *slog.Logger) *RedisChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChannel{rdb: rdb, logger: logger.With("component", "redis-delivery")}
}

func (c *RedisChannel) Publish(ctx context.Context, key models.ConversationKey, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.rdb.Publish(ctx, notifyPrefix+string(key), data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w: %w", models.ErrDeliveryUnavailable, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so anything
// published afterwards reaches it.
func (c *RedisChannel) Subscribe(ctx context.Context, key models.ConversationKey) (*Subscription, error) {
	ps := c.rdb.Subscribe(ctx, notifyPrefix+string(key))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w: %w", models.ErrDeliveryUnavailable, err)
	}

	subID := uuid.New().String()
	out := make(chan models.Message, subscriberBufferSize)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var msg models.Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					c.logger.Warn("skipping malformed notification", "conversation_key", key, "error", err)
					continue
				}
				select {
				case out <- msg:
				default:
					c.logger.Warn("dropped message for slow subscriber",
						"conversation_key", key,
						"sub_id", subID,
						"message_id", msg.ID)
				}
			}
		}
	}()

	c.logger.Debug("subscriber added", "conversation_key", key, "sub_id", subID)
	return NewSubscription(subID, key, out, func() {
		close(stop)
		<-done
	}), nil
}
