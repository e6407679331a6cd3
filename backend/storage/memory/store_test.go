// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s := NewStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_HistoryIsACopy(t *testing.T) {
	s := NewStore()
	ctx := t.Context()
	_, err := s.Append(ctx, models.Message{SenderID: "u1", ReceiverID: "u2", Body: "hi"})
	require.NoError(t, err)

	history, err := s.History(ctx, "dm:u1:u2")
	require.NoError(t, err)
	history[0].Body = "tampered"

	again, err := s.History(ctx, "dm:u1:u2")
	require.NoError(t, err)
	assert.Equal(t, "hi", again[0].Body)
}

func TestStore_Unavailable(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Close())

	_, err := s.History(t.Context(), "dm:u1:u2")
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)

	live := NewStore()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = live.Append(ctx, models.Message{SenderID: "u1", ReceiverID: "u2", Body: "hi"})
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
}
