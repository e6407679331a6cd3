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

// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/conversation"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

// Run exercises a backend. open must return an empty store, closed by the test cleanup.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Helper()

	t.Run("append assigns derived fields", func(t *testing.T) { testAppendAssigns(t, open(t)) })
	t.Run("history is ordered and stable", func(t *testing.T) { testHistoryOrdered(t, open(t)) })
	t.Run("timestamp ties are broken by id", func(t *testing.T) { testTieBreak(t, open(t)) })
	t.Run("ids compare bytewise", func(t *testing.T) { testBytewiseIDs(t, open(t)) })
	t.Run("unknown key has empty history", func(t *testing.T) { testEmptyHistory(t, open(t)) })
	t.Run("append rejects invalid messages", func(t *testing.T) { testAppendValidation(t, open(t)) })
	t.Run("mark read is scoped to key and receiver", func(t *testing.T) { testMarkRead(t, open(t)) })
	t.Run("concurrent appends from both sides", func(t *testing.T) { testConcurrentAppends(t, open(t)) })
	t.Run("get message by id", func(t *testing.T) { testGetMessage(t, open(t)) })
	t.Run("conversations", func(t *testing.T) { testConversations(t, open(t)) })
	t.Run("participants", func(t *testing.T) { testParticipants(t, open(t)) })
}

func send(t *testing.T, s storage.Store, from, to, body string) models.Message {
	t.Helper()
	msg, err := s.Append(t.Context(), models.Message{SenderID: from, ReceiverID: to, Body: body})
	require.NoError(t, err)
	return msg
}

func key(t *testing.T, a, b string) models.ConversationKey {
	t.Helper()
	k, err := conversation.Resolve(a, b)
	require.NoError(t, err)
	return k
}

func testAppendAssigns(t *testing.T, s storage.Store) {
	before := storage.Now()
	msg := send(t, s, "u1", "u2", "hi")

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, key(t, "u1", "u2"), msg.ConversationKey)
	assert.False(t, msg.CreatedAt.Before(before), "created_at must not predate the append")
	assert.False(t, msg.Read)
	assert.Nil(t, msg.ReadAt)
	assert.Equal(t, "hi", msg.Body)
}

func testHistoryOrdered(t *testing.T, s storage.Store) {
	ctx := t.Context()
	first := send(t, s, "u1", "u2", "hi")
	second := send(t, s, "u2", "u1", "hello")
	third := send(t, s, "u1", "u2", "how are you")

	history, err := s.History(ctx, key(t, "u2", "u1"))
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, []string{first.ID, second.ID, third.ID}, ids(history))
	assert.Equal(t, []string{"hi", "hello", "how are you"}, bodies(history))
	for i := 1; i < len(history); i++ {
		assert.Negative(t, storage.CompareMessages(history[i-1], history[i]))
	}

	again, err := s.History(ctx, key(t, "u1", "u2"))
	require.NoError(t, err)
	assert.Equal(t, ids(history), ids(again))
}

func testTieBreak(t *testing.T, s storage.Store) {
	ctx := t.Context()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Append(ctx, models.Message{ID: "msg-b", SenderID: "u1", ReceiverID: "u2", Body: "second", CreatedAt: at})
	require.NoError(t, err)
	_, err = s.Append(ctx, models.Message{ID: "msg-a", SenderID: "u2", ReceiverID: "u1", Body: "first", CreatedAt: at})
	require.NoError(t, err)
	_, err = s.Append(ctx, models.Message{ID: "msg-0", SenderID: "u2", ReceiverID: "u1", Body: "earliest", CreatedAt: at.Add(-time.Minute)})
	require.NoError(t, err)

	history, err := s.History(ctx, key(t, "u1", "u2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-0", "msg-a", "msg-b"}, ids(history))
}

// Mixed case and punctuation order differently under locale collations
func testBytewiseIDs(t *testing.T, s storage.Store) {
	ctx := t.Context()

	for _, pair := range [][2]string{{"B", "a"}, {"user-2", "user1"}} {
		first := send(t, s, pair[0], pair[1], "ping")
		second := send(t, s, pair[1], pair[0], "pong")
		assert.Equal(t, key(t, pair[0], pair[1]), first.ConversationKey)

		history, err := s.History(ctx, key(t, pair[1], pair[0]))
		require.NoError(t, err)
		assert.Equal(t, []string{first.ID, second.ID}, ids(history))

		list, err := s.ListConversations(ctx, pair[1])
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, pair[0], list[0].CounterpartID)
	}

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"msg1", "msg-2", "Msg-B", "msg-a"} {
		_, err := s.Append(ctx, models.Message{ID: id, SenderID: "Ann", ReceiverID: "bob", Body: id, CreatedAt: at})
		require.NoError(t, err)
	}
	history, err := s.History(ctx, key(t, "Ann", "bob"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Msg-B", "msg-2", "msg-a", "msg1"}, ids(history))
	for i := 1; i < len(history); i++ {
		assert.Negative(t, storage.CompareMessages(history[i-1], history[i]))
	}
}

func testEmptyHistory(t *testing.T, s storage.Store) {
	history, err := s.History(t.Context(), key(t, "nobody", "else"))
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func testAppendValidation(t *testing.T, s storage.Store) {
	ctx := t.Context()
	invalid := []models.Message{
		{SenderID: "u1", ReceiverID: "u2", Body: ""},
		{SenderID: "u1", ReceiverID: "u2", Body: " \n\t "},
		{SenderID: "u1", ReceiverID: "u1", Body: "self"},
		{SenderID: "u1", ReceiverID: "", Body: "nobody"},
	}
	for _, msg := range invalid {
		_, err := s.Append(ctx, msg)
		assert.ErrorIs(t, err, models.ErrInvalidMessage, "body=%q sender=%q receiver=%q", msg.Body, msg.SenderID, msg.ReceiverID)
	}

	_, err := s.Append(ctx, models.Message{ID: "fixed", SenderID: "u1", ReceiverID: "u2", Body: "once"})
	require.NoError(t, err)
	_, err = s.Append(ctx, models.Message{ID: "fixed", SenderID: "u1", ReceiverID: "u2", Body: "twice"})
	assert.ErrorIs(t, err, models.ErrInvalidMessage)

	history, err := s.History(ctx, key(t, "u1", "u2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"once"}, bodies(history))
}

func testMarkRead(t *testing.T, s storage.Store) {
	ctx := t.Context()
	send(t, s, "u1", "u2", "hi")
	send(t, s, "u2", "u1", "hello")
	send(t, s, "u1", "u2", "how are you")
	other := send(t, s, "u3", "u2", "unrelated")

	k12 := key(t, "u1", "u2")
	before, err := s.History(ctx, k12)
	require.NoError(t, err)

	n, err := s.MarkRead(ctx, k12, "u2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.MarkRead(ctx, k12, "u2")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "marking read twice must not flip anything")

	after, err := s.History(ctx, k12)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Body, after[i].Body)
		assert.Equal(t, before[i].SenderID, after[i].SenderID)
		assert.True(t, before[i].CreatedAt.Equal(after[i].CreatedAt))
		assert.Equal(t, after[i].ReceiverID == "u2", after[i].Read)
	}
	for _, msg := range after {
		if msg.Read {
			assert.NotNil(t, msg.ReadAt)
		}
	}

	n, err = s.MarkRead(ctx, k12, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	untouched, err := s.GetMessage(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, untouched.Read, "messages of other conversations must stay unread")
}

func testConcurrentAppends(t *testing.T, s storage.Store) {
	const perSide = 20
	var wg sync.WaitGroup
	for _, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}} {
		wg.Add(1)
		go func(from, to string) {
			defer wg.Done()
			for i := 0; i < perSide; i++ {
				_, err := s.Append(t.Context(), models.Message{SenderID: from, ReceiverID: to, Body: "ping"})
				assert.NoError(t, err)
			}
		}(pair[0], pair[1])
	}
	wg.Wait()

	history, err := s.History(t.Context(), key(t, "u1", "u2"))
	require.NoError(t, err)
	require.Len(t, history, 2*perSide)
	for i := 1; i < len(history); i++ {
		assert.Negative(t, storage.CompareMessages(history[i-1], history[i]))
	}
}

func testGetMessage(t *testing.T, s storage.Store) {
	ctx := t.Context()
	sent := send(t, s, "u1", "u2", "lookup")

	got, err := s.GetMessage(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "lookup", got.Body)
	assert.True(t, sent.CreatedAt.Equal(got.CreatedAt))

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConversations(t *testing.T, s storage.Store) {
	ctx := t.Context()
	k23 := key(t, "u3", "u2")

	conv, created, err := s.EnsureConversation(ctx, k23)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "u2", conv.User1ID)
	assert.Equal(t, "u3", conv.User2ID)
	assert.Nil(t, conv.LastMessageAt)

	_, created, err = s.EnsureConversation(ctx, k23)
	require.NoError(t, err)
	assert.False(t, created)

	base := storage.Now().Add(time.Hour)
	_, err = s.Append(ctx, models.Message{SenderID: "u1", ReceiverID: "u2", Body: "a", CreatedAt: base})
	require.NoError(t, err)
	_, err = s.Append(ctx, models.Message{SenderID: "u1", ReceiverID: "u2", Body: "b", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = s.Append(ctx, models.Message{SenderID: "u3", ReceiverID: "u2", Body: "c", CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)

	list, err := s.ListConversations(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, k23, list[0].Key)
	assert.Equal(t, "u3", list[0].CounterpartID)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.Equal(t, "u1", list[1].CounterpartID)
	assert.Equal(t, 2, list[1].UnreadCount)
	require.NotNil(t, list[1].LastMessageAt)
	assert.True(t, list[1].LastMessageAt.Equal(base.Add(time.Second)))

	list, err = s.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0, list[0].UnreadCount)

	list, err = s.ListConversations(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testParticipants(t *testing.T, s storage.Store) {
	ctx := t.Context()
	require.NoError(t, s.Ping(ctx))

	_, err := s.GetParticipant(ctx, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SaveParticipant(ctx, models.Participant{ID: "u1", Username: "alice", Picture: "a.png"}))
	p, err := s.GetParticipant(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "a.png", p.Picture)
	assert.False(t, p.CreatedAt.IsZero())

	require.NoError(t, s.SaveParticipant(ctx, models.Participant{ID: "u1", Username: "alice2"}))
	updated, err := s.GetParticipant(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice2", updated.Username)
	assert.True(t, p.CreatedAt.Equal(updated.CreatedAt))
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func bodies(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}
