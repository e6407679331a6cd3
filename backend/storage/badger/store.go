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

// Package badger is an embedded message store on BadgerDB.
//
// Messages are keyed "msg:{conversation}:{created_at µs, 19 digits}:{id}" so a prefix
// scan of one conversation yields conversation order without sorting.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	messagePrefix      = "msg:"
	messageIndexPrefix = "msgid:"
	conversationPrefix = "conv:"
	membershipPrefix   = "member:"
	participantPrefix  = "user:"
)

type Store struct {
	db     *badger.DB
	logger *slog.Logger
	// Serializes writers so timestamps stay monotonic per conversation
	// and read flips never conflict with appends.
	mu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates a database in dir
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return NewStore(db, logger), nil
}

func NewStore(db *badger.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "badger-store")}
}

func messageKey(msg models.Message) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%s", messagePrefix, msg.ConversationKey, msg.CreatedAt.UnixMicro(), msg.ID))
}

func conversationMessages(key models.ConversationKey) []byte {
	return []byte(messagePrefix + string(key) + ":")
}

func (s *Store) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	msg, err := storage.PrepareMessage(msg)
	if err != nil {
		return models.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Message{}, storage.Unavailable("append message", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(messageIndexPrefix + msg.ID)); err == nil {
			return fmt.Errorf("%w: duplicate message id %s", models.ErrInvalidMessage, msg.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		conv, err := s.loadConversation(txn, msg.ConversationKey)
		if errors.Is(err, storage.ErrNotFound) {
			conv, err = storage.NewConversation(msg.ConversationKey, storage.Now())
			if err == nil {
				err = s.indexMembers(txn, conv)
			}
		}
		if err != nil {
			return err
		}

		if msg.CreatedAt.IsZero() {
			var last time.Time
			if conv.LastMessageAt != nil {
				last = *conv.LastMessageAt
			}
			msg.CreatedAt = storage.NextTimestamp(storage.Now(), last)
		}
		if conv.LastMessageAt == nil || conv.LastMessageAt.Before(msg.CreatedAt) {
			at := msg.CreatedAt
			conv.LastMessageAt = &at
		}

		primary := messageKey(msg)
		if err := putJSON(txn, primary, msg); err != nil {
			return err
		}
		if err := txn.Set([]byte(messageIndexPrefix+msg.ID), primary); err != nil {
			return err
		}
		return putJSON(txn, []byte(conversationPrefix+string(conv.Key)), conv)
	})
	if errors.Is(err, models.ErrInvalidMessage) {
		return models.Message{}, err
	}
	if err != nil {
		return models.Message{}, storage.Unavailable("append message", err)
	}
	return msg, nil
}

func (s *Store) History(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Unavailable("load history", err)
	}

	history := make([]models.Message, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := conversationMessages(key)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg models.Message
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			}); err != nil {
				return err
			}
			history = append(history, msg)
		}
		return nil
	})
	if err != nil {
		return nil, storage.Unavailable("load history", err)
	}
	// The key only orders by microsecond then id, which matches conversation order
	return history, nil
}

func (s *Store) MarkRead(ctx context.Context, key models.ConversationKey, receiverID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.Unavailable("mark messages read", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	flipped := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		now := storage.Now()
		prefix := conversationMessages(key)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var msg models.Message
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			}); err != nil {
				return err
			}
			if msg.ReceiverID != receiverID || msg.Read {
				continue
			}
			msg.Read = true
			msg.ReadAt = &now
			if err := putJSON(txn, item.KeyCopy(nil), msg); err != nil {
				return err
			}
			flipped++
		}
		return nil
	})
	if err != nil {
		return 0, storage.Unavailable("mark messages read", err)
	}
	return flipped, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, storage.Unavailable("get message", err)
	}

	var msg models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(messageIndexPrefix + messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		primary, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, primary, &msg)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return models.Message{}, err
	}
	if err != nil {
		return models.Message{}, storage.Unavailable("get message", err)
	}
	return msg, nil
}

func (s *Store) EnsureConversation(ctx context.Context, key models.ConversationKey) (models.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, false, storage.Unavailable("ensure conversation", err)
	}
	fresh, err := storage.NewConversation(key, storage.Now())
	if err != nil {
		return models.Conversation{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var conv models.Conversation
	created := false
	err = s.db.Update(func(txn *badger.Txn) error {
		existing, err := s.loadConversation(txn, key)
		if err == nil {
			conv = existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		conv, created = fresh, true
		if err := s.indexMembers(txn, conv); err != nil {
			return err
		}
		return putJSON(txn, []byte(conversationPrefix+string(key)), conv)
	})
	if err != nil {
		return models.Conversation{}, false, storage.Unavailable("ensure conversation", err)
	}
	return conv, created, nil
}

func (s *Store) ListConversations(ctx context.Context, participantID string) ([]models.ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Unavailable("list conversations", err)
	}

	list := make([]models.ConversationSummary, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(membershipPrefix + participantID + ":")
		var keys []models.ConversationKey

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, models.ConversationKey(strings.TrimPrefix(string(it.Item().Key()), string(prefix))))
		}
		it.Close()

		for _, key := range keys {
			conv, err := s.loadConversation(txn, key)
			if err != nil {
				return err
			}
			unread, err := countUnread(txn, key, participantID)
			if err != nil {
				return err
			}
			list = append(list, storage.Summarize(conv, participantID, unread))
		}
		return nil
	})
	if err != nil {
		return nil, storage.Unavailable("list conversations", err)
	}
	storage.SortSummaries(list)
	return list, nil
}

func (s *Store) GetParticipant(ctx context.Context, id string) (models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return models.Participant{}, storage.Unavailable("get participant", err)
	}

	var p models.Participant
	err := s.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, []byte(participantPrefix+id), &p)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return models.Participant{}, err
	}
	if err != nil {
		return models.Participant{}, storage.Unavailable("get participant", err)
	}
	return p, nil
}

func (s *Store) SaveParticipant(ctx context.Context, p models.Participant) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable("save participant", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(participantPrefix + p.ID)
		var existing models.Participant
		err := getJSON(txn, key, &existing)
		switch {
		case err == nil:
			p.CreatedAt = existing.CreatedAt
		case errors.Is(err, badger.ErrKeyNotFound):
			if p.CreatedAt.IsZero() {
				p.CreatedAt = storage.Now()
			}
		default:
			return err
		}
		return putJSON(txn, key, p)
	})
	if err != nil {
		return storage.Unavailable("save participant", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return storage.Unavailable("ping badger", errors.New("database closed"))
	}
	return ctx.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadConversation(txn *badger.Txn, key models.ConversationKey) (models.Conversation, error) {
	var conv models.Conversation
	err := getJSON(txn, []byte(conversationPrefix+string(key)), &conv)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return conv, storage.ErrNotFound
	}
	return conv, err
}

func (s *Store) indexMembers(txn *badger.Txn, conv models.Conversation) error {
	for _, user := range []string{conv.User1ID, conv.User2ID} {
		if err := txn.Set([]byte(membershipPrefix+user+":"+string(conv.Key)), nil); err != nil {
			return err
		}
	}
	return nil
}

func countUnread(txn *badger.Txn, key models.ConversationKey, receiverID string) (int, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	unread := 0
	prefix := conversationMessages(key)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var msg models.Message
		if err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &msg)
		}); err != nil {
			return 0, err
		}
		if msg.ReceiverID == receiverID && !msg.Read {
			unread++
		}
	}
	return unread, nil
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(data []byte) error {
		return json.Unmarshal(data, v)
	})
}
