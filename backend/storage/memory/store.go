// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package memory keeps the message log in process. Messages live in one arena slice
// indexed per conversation, so nothing outside the store holds references into it.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

var errClosed = errors.New("memory store closed")

type Store struct {
	mu            sync.RWMutex
	messages      []models.Message
	byKey         map[models.ConversationKey][]int
	byID          map[string]int
	conversations map[models.ConversationKey]models.Conversation
	participants  map[string]models.Participant
	closed        bool
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		byKey:         make(map[models.ConversationKey][]int),
		byID:          make(map[string]int),
		conversations: make(map[models.ConversationKey]models.Conversation),
		participants:  make(map[string]models.Participant),
	}
}

func (s *Store) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	msg, err := storage.PrepareMessage(msg)
	if err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return models.Message{}, storage.Unavailable("append message", err)
	}
	if _, exists := s.byID[msg.ID]; exists {
		return models.Message{}, fmt.Errorf("%w: duplicate message id %s", models.ErrInvalidMessage, msg.ID)
	}

	indexes := s.byKey[msg.ConversationKey]
	if msg.CreatedAt.IsZero() {
		var last models.Message
		if len(indexes) > 0 {
			last = s.messages[indexes[len(indexes)-1]]
		}
		msg.CreatedAt = storage.NextTimestamp(storage.Now(), last.CreatedAt)
	}

	conv, ok := s.conversations[msg.ConversationKey]
	if !ok {
		conv, err = storage.NewConversation(msg.ConversationKey, msg.CreatedAt)
		if err != nil {
			return models.Message{}, err
		}
	}
	if conv.LastMessageAt == nil || conv.LastMessageAt.Before(msg.CreatedAt) {
		at := msg.CreatedAt
		conv.LastMessageAt = &at
	}
	s.conversations[msg.ConversationKey] = conv

	idx := len(s.messages)
	s.messages = append(s.messages, msg)
	s.byID[msg.ID] = idx

	// Explicit timestamps may land before the tail
	pos := sort.Search(len(indexes), func(i int) bool {
		return storage.CompareMessages(msg, s.messages[indexes[i]]) < 0
	})
	indexes = append(indexes, 0)
	copy(indexes[pos+1:], indexes[pos:])
	indexes[pos] = idx
	s.byKey[msg.ConversationKey] = indexes

	return msg, nil
}

func (s *Store) History(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(ctx); err != nil {
		return nil, storage.Unavailable("load history", err)
	}

	indexes := s.byKey[key]
	history := make([]models.Message, 0, len(indexes))
	for _, idx := range indexes {
		history = append(history, s.messages[idx])
	}
	return history, nil
}

func (s *Store) MarkRead(ctx context.Context, key models.ConversationKey, receiverID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return 0, storage.Unavailable("mark messages read", err)
	}

	now := storage.Now()
	flipped := 0
	for _, idx := range s.byKey[key] {
		msg := &s.messages[idx]
		if msg.ReceiverID != receiverID || msg.Read {
			continue
		}
		msg.Read = true
		readAt := now
		msg.ReadAt = &readAt
		flipped++
	}
	return flipped, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(ctx); err != nil {
		return models.Message{}, storage.Unavailable("get message", err)
	}

	idx, ok := s.byID[messageID]
	if !ok {
		return models.Message{}, storage.ErrNotFound
	}
	return s.messages[idx], nil
}

func (s *Store) EnsureConversation(ctx context.Context, key models.ConversationKey) (models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return models.Conversation{}, false, storage.Unavailable("ensure conversation", err)
	}

	if conv, ok := s.conversations[key]; ok {
		return conv, false, nil
	}
	conv, err := storage.NewConversation(key, storage.Now())
	if err != nil {
		return models.Conversation{}, false, err
	}
	s.conversations[key] = conv
	return conv, true, nil
}

func (s *Store) ListConversations(ctx context.Context, participantID string) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(ctx); err != nil {
		return nil, storage.Unavailable("list conversations", err)
	}

	list := make([]models.ConversationSummary, 0)
	for key, conv := range s.conversations {
		if conv.User1ID != participantID && conv.User2ID != participantID {
			continue
		}
		unread := 0
		for _, idx := range s.byKey[key] {
			if msg := s.messages[idx]; msg.ReceiverID == participantID && !msg.Read {
				unread++
			}
		}
		list = append(list, storage.Summarize(conv, participantID, unread))
	}
	storage.SortSummaries(list)
	return list, nil
}

func (s *Store) GetParticipant(ctx context.Context, id string) (models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(ctx); err != nil {
		return models.Participant{}, storage.Unavailable("get participant", err)
	}

	p, ok := s.participants[id]
	if !ok {
		return models.Participant{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) SaveParticipant(ctx context.Context, p models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return storage.Unavailable("save participant", err)
	}

	if existing, ok := s.participants[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = storage.Now()
	}
	s.participants[p.ID] = p
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usable(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) usable(ctx context.Context) error {
	if s.closed {
		return errClosed
	}
	return ctx.Err()
}
