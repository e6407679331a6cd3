// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package badger

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
		require.NoError(t, err)
		s := NewStore(db, slog.Default())
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func Test_Message_Keys_Sort_In_Conversation_Order(t *testing.T) {
	req := require.New(t)
	at := time.Date(2025, 1, 2, 3, 4, 5, 6000, time.UTC)

	earlier := messageKey(models.Message{ConversationKey: "dm:a:b", CreatedAt: at, ID: "z"})
	later := messageKey(models.Message{ConversationKey: "dm:a:b", CreatedAt: at.Add(time.Microsecond), ID: "a"})
	tie := messageKey(models.Message{ConversationKey: "dm:a:b", CreatedAt: at, ID: "y"})

	req.Less(string(earlier), string(later))
	req.Less(string(tie), string(earlier))
	req.Contains(string(earlier), string(conversationMessages("dm:a:b")))
	req.NotContains(string(messageKey(models.Message{ConversationKey: "dm:a:bc", CreatedAt: at, ID: "x"})), string(conversationMessages("dm:a:b")))
}

func Test_Reopen_Keeps_History(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	ctx := t.Context()

	s, err := Open(dir, nil)
	req.NoError(err)
	sent, err := s.Append(ctx, models.Message{SenderID: "u1", ReceiverID: "u2", Body: "persisted"})
	req.NoError(err)
	req.NoError(s.Close())

	reopened, err := Open(dir, nil)
	req.NoError(err)
	defer reopened.Close()

	history, err := reopened.History(ctx, sent.ConversationKey)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(sent.ID, history[0].ID)
}
