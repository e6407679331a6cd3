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

// Package chat implements direct messaging between two participants:
// history, sending, read state and live subscriptions.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/efchatnet/efdm/backend/conversation"
	"github.com/efchatnet/efdm/backend/delivery"
	"github.com/efchatnet/efdm/backend/identity"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

//go:generate go run go.uber.org/mock/mockgen -destination=../mocks/mock_chat_store.go -package=mocks . Store

const defaultOperationTimeout = 10 * time.Second

// Store is the part of the storage layer the service writes through
type Store interface {
	storage.MessageStore
	storage.ConversationStore
}

type Service struct {
	store     Store
	directory identity.Directory
	channel   delivery.Channel
	validate  *validator.Validate
	logger    *slog.Logger
	timeout   time.Duration
}

type Option func(*Service)

// WithOperationTimeout bounds every store and directory call
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(store Store, directory identity.Directory, channel delivery.Channel, opts ...Option) *Service {
	s := &Service{
		store:     store,
		directory: directory,
		channel:   channel,
		validate:  validator.New(),
		logger:    slog.Default(),
		timeout:   defaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chat")
	return s
}

// GetHistory returns the full conversation between userA and userB, oldest first
func (s *Service) GetHistory(ctx context.Context, userA, userB string) ([]models.Message, error) {
	key, err := conversation.Resolve(userA, userB)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipants(ctx, userA, userB); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	history, err := s.store.History(ctx, key)
	if err != nil {
		return nil, storageFailure("load history", err)
	}
	return history, nil
}

// SendMessage appends one message and signals live viewers of the conversation.
// A failed signal is logged and does not fail the send.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID, body string) (models.Message, error) {
	key, err := conversation.Resolve(senderID, receiverID)
	if err != nil {
		return models.Message{}, err
	}
	if strings.TrimSpace(body) == "" {
		return models.Message{}, fmt.Errorf("%w: message body is empty", models.ErrInvalidMessage)
	}
	if err := s.requireParticipants(ctx, senderID, receiverID); err != nil {
		return models.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.store.Append(ctx, models.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Body:       body,
	})
	if err != nil {
		return models.Message{}, storageFailure("append message", err)
	}

	if err := s.channel.Publish(ctx, key, msg); err != nil {
		s.logger.Warn("delivery channel unavailable, viewers will catch up on next history fetch",
			"conversation_key", key,
			"message_id", msg.ID,
			"error", err)
	}

	s.logger.Debug("message sent", "conversation_key", key, "message_id", msg.ID)
	return msg, nil
}

// MarkAsRead flips every unread message addressed to viewerID in its conversation
// with counterpartID and returns how many changed.
func (s *Service) MarkAsRead(ctx context.Context, viewerID, counterpartID string) (int, error) {
	key, err := conversation.Resolve(viewerID, counterpartID)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	flipped, err := s.store.MarkRead(ctx, key, viewerID)
	if err != nil {
		return 0, storageFailure("mark messages read", err)
	}
	if flipped > 0 {
		s.logger.Debug("messages marked read", "conversation_key", key, "count", flipped)
	}
	return flipped, nil
}

// Subscribe attaches to the live feed of the conversation between viewerID and
// counterpartID. The subscription ends with ctx or Unsubscribe.
func (s *Service) Subscribe(ctx context.Context, viewerID, counterpartID string) (*delivery.Subscription, error) {
	key, err := conversation.Resolve(viewerID, counterpartID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipants(ctx, viewerID, counterpartID); err != nil {
		return nil, err
	}

	sub, err := s.channel.Subscribe(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrDeliveryUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", models.ErrDeliveryUnavailable, err)
	}
	return sub, nil
}

// Watch is Subscribe for callers that only need the message stream
func (s *Service) Watch(ctx context.Context, viewerID, counterpartID string) (<-chan models.Message, error) {
	sub, err := s.Subscribe(ctx, viewerID, counterpartID)
	if err != nil {
		return nil, err
	}
	return sub.C, nil
}

// Initiate makes sure a conversation exists between viewerID and counterpartID.
// created is false when it already existed.
func (s *Service) Initiate(ctx context.Context, viewerID, counterpartID string) (models.Conversation, bool, error) {
	key, err := conversation.Resolve(viewerID, counterpartID)
	if err != nil {
		return models.Conversation{}, false, err
	}
	if err := s.requireParticipants(ctx, viewerID, counterpartID); err != nil {
		return models.Conversation{}, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conv, created, err := s.store.EnsureConversation(ctx, key)
	if err != nil {
		return models.Conversation{}, false, storageFailure("ensure conversation", err)
	}
	if created {
		s.logger.Info("conversation started", "conversation_key", key, "initiator", viewerID)
	}
	return conv, created, nil
}

func (s *Service) ListConversations(ctx context.Context, viewerID string) ([]models.ConversationSummary, error) {
	if err := conversation.ValidateID(viewerID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	list, err := s.store.ListConversations(ctx, viewerID)
	if err != nil {
		return nil, storageFailure("list conversations", err)
	}
	return list, nil
}

// GetMessage returns one stored message. Messages the viewer neither sent nor
// received are reported as not found.
func (s *Service) GetMessage(ctx context.Context, viewerID, messageID string) (models.Message, error) {
	if err := conversation.ValidateID(viewerID); err != nil {
		return models.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Message{}, fmt.Errorf("%w: %s", models.ErrMessageNotFound, messageID)
	}
	if err != nil {
		return models.Message{}, storageFailure("get message", err)
	}
	if msg.SenderID != viewerID && msg.ReceiverID != viewerID {
		return models.Message{}, fmt.Errorf("%w: %s", models.ErrMessageNotFound, messageID)
	}
	return msg, nil
}

func (s *Service) GetParticipant(ctx context.Context, id string) (models.Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p, err := s.directory.Lookup(ctx, id)
	if err != nil && !errors.Is(err, models.ErrParticipantNotFound) {
		return models.Participant{}, storageFailure("look up participant", err)
	}
	return p, err
}

// RegisterParticipant creates or updates the profile of p
func (s *Service) RegisterParticipant(ctx context.Context, p models.Participant) (models.Participant, error) {
	if err := conversation.ValidateID(p.ID); err != nil {
		return models.Participant{}, err
	}
	if err := s.validate.Struct(p); err != nil {
		return models.Participant{}, fmt.Errorf("%w: %w", models.ErrInvalidParticipants, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	saved, err := s.directory.Register(ctx, p)
	if err != nil {
		return models.Participant{}, storageFailure("register participant", err)
	}
	return saved, nil
}

func (s *Service) requireParticipants(ctx context.Context, ids ...string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for _, id := range ids {
		if _, err := s.directory.Lookup(ctx, id); err != nil {
			if errors.Is(err, models.ErrParticipantNotFound) {
				return err
			}
			return storageFailure("look up participant", err)
		}
	}
	return nil
}

// storageFailure keeps validation errors as they are and classifies anything else
// as the store being unavailable.
func storageFailure(op string, err error) error {
	for _, known := range []error{models.ErrStorageUnavailable, models.ErrInvalidMessage, models.ErrInvalidParticipants} {
		if errors.Is(err, known) {
			return err
		}
	}
	return storage.Unavailable(op, err)
}
