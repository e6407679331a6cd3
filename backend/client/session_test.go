// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/chat"
	"github.com/efchatnet/efdm/backend/delivery"
	"github.com/efchatnet/efdm/backend/identity"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage/memory"
)

var _ API = (*chat.Service)(nil)

const eventually = 2 * time.Second

func newService(t *testing.T, participants ...string) *chat.Service {
	t.Helper()
	store := memory.NewStore()
	directory := identity.NewCachedDirectory(store, time.Minute, nil)
	for _, id := range participants {
		_, err := directory.Register(t.Context(), models.Participant{ID: id, Username: "user-" + id})
		require.NoError(t, err)
	}
	hub := delivery.NewHub(nil)
	t.Cleanup(hub.Close)
	return chat.NewService(store, directory, hub, chat.WithOperationTimeout(time.Second))
}

// stubAPI forwards to a real service unless a call is overridden
type stubAPI struct {
	API
	watch   func(ctx context.Context, viewerID, counterpartID string) (<-chan models.Message, error)
	send    func(ctx context.Context, senderID, receiverID, body string) (models.Message, error)
	history func(ctx context.Context, userA, userB string) ([]models.Message, error)
	read    func(ctx context.Context, viewerID, counterpartID string) (int, error)
}

func (s *stubAPI) MarkAsRead(ctx context.Context, viewerID, counterpartID string) (int, error) {
	if s.read != nil {
		return s.read(ctx, viewerID, counterpartID)
	}
	return s.API.MarkAsRead(ctx, viewerID, counterpartID)
}

func (s *stubAPI) Watch(ctx context.Context, viewerID, counterpartID string) (<-chan models.Message, error) {
	if s.watch != nil {
		return s.watch(ctx, viewerID, counterpartID)
	}
	return s.API.Watch(ctx, viewerID, counterpartID)
}

func (s *stubAPI) SendMessage(ctx context.Context, senderID, receiverID, body string) (models.Message, error) {
	if s.send != nil {
		return s.send(ctx, senderID, receiverID, body)
	}
	return s.API.SendMessage(ctx, senderID, receiverID, body)
}

func (s *stubAPI) GetHistory(ctx context.Context, userA, userB string) ([]models.Message, error) {
	if s.history != nil {
		return s.history(ctx, userA, userB)
	}
	return s.API.GetHistory(ctx, userA, userB)
}

func openSession(t *testing.T, api API, viewer, counterpart string, opts ...func(*SessionConfig)) *Session {
	t.Helper()
	cfg := SessionConfig{ViewerID: viewer, CounterpartID: counterpart, PollInterval: 20 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := NewSession(api, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Open(t.Context()))
	t.Cleanup(s.Close)
	return s
}

func messageIDs(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// assertConverged waits until the session holds exactly the stored history
func assertConverged(t *testing.T, svc *chat.Service, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		history, err := svc.GetHistory(context.Background(), s.viewer, s.counterpart)
		if err != nil {
			return false
		}
		return assert.ObjectsAreEqual(messageIDs(history), messageIDs(s.Messages()))
	}, eventually, 10*time.Millisecond)
}

func TestNewSession_InvalidParticipants(t *testing.T) {
	_, err := NewSession(nil, SessionConfig{ViewerID: "U1", CounterpartID: "U1"})
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)

	_, err = NewSession(nil, SessionConfig{ViewerID: "", CounterpartID: "U1"})
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)
}

func TestSession_OpenLoadsAndMarksRead(t *testing.T) {
	svc := newService(t, "U1", "U2")
	ctx := t.Context()
	for _, step := range []struct{ from, to, body string }{
		{"U1", "U2", "hi"}, {"U2", "U1", "hello"}, {"U1", "U2", "how are you"},
	} {
		_, err := svc.SendMessage(ctx, step.from, step.to, step.body)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var states []State
	s := openSession(t, svc, "U2", "U1", func(cfg *SessionConfig) {
		cfg.OnStateChange = func(st State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		}
	})

	assert.Equal(t, StateSynced, s.State())
	assert.False(t, s.Polling())
	assert.Equal(t, "user-U1", s.Counterpart().Username)
	assert.Equal(t, models.ConversationKey("dm:U1:U2"), s.Key())

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.True(t, msgs[0].Read, "messages addressed to the viewer are read once the view opens")
	assert.False(t, msgs[1].Read)

	count, err := svc.MarkAsRead(ctx, "U2", "U1")
	require.NoError(t, err)
	assert.Zero(t, count, "opening the view already marked everything read")

	mu.Lock()
	assert.Equal(t, []State{StateSynced}, states)
	mu.Unlock()
}

func TestSession_OpenFailsForUnknownCounterpart(t *testing.T) {
	svc := newService(t, "U1")

	s, err := NewSession(svc, SessionConfig{ViewerID: "U1", CounterpartID: "ghost"})
	require.NoError(t, err)
	err = s.Open(t.Context())
	assert.ErrorIs(t, err, models.ErrParticipantNotFound)
	assert.Equal(t, StateError, s.State())
	assert.ErrorIs(t, s.Err(), models.ErrParticipantNotFound)
	s.Close()
}

func TestSession_ReceivesPushes(t *testing.T) {
	svc := newService(t, "U1", "U2")
	s := openSession(t, svc, "U1", "U2")

	sent, err := svc.SendMessage(t.Context(), "U2", "U1", "pushed")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 1
	}, eventually, 5*time.Millisecond)
	assert.Equal(t, sent.ID, s.Messages()[0].ID)
	assert.Equal(t, StateSynced, s.State())

	require.Eventually(t, func() bool {
		history, err := svc.GetHistory(context.Background(), "U1", "U2")
		return err == nil && history[0].Read
	}, eventually, 5*time.Millisecond, "a push to an open view marks it read")
}

func TestSession_SendIsOptimisticAndDeduplicated(t *testing.T) {
	svc := newService(t, "U1", "U2")

	release := make(chan struct{})
	api := &stubAPI{API: svc}
	api.send = func(ctx context.Context, senderID, receiverID, body string) (models.Message, error) {
		<-release
		return svc.SendMessage(ctx, senderID, receiverID, body)
	}
	s := openSession(t, api, "U1", "U2")

	result := make(chan error, 1)
	go func() {
		_, err := s.Send(t.Context(), "hi")
		result <- err
	}()

	require.Eventually(t, func() bool {
		entries := s.Entries()
		return len(entries) == 1 && entries[0].Pending
	}, eventually, 5*time.Millisecond, "draft shows before the send completes")
	assert.Equal(t, StateSending, s.State())
	assert.Empty(t, s.Messages())

	close(release)
	require.NoError(t, <-result)

	// The stored copy arrives twice, from the send and from the push
	assertConverged(t, svc, s)
	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Confirmed())
	assert.Equal(t, "hi", entries[0].Body)
	assert.Equal(t, StateSynced, s.State())
}

func TestSession_SendRejectsEmptyBody(t *testing.T) {
	svc := newService(t, "U1", "U2")
	s := openSession(t, svc, "U1", "U2")

	_, err := s.Send(t.Context(), "   ")
	assert.ErrorIs(t, err, models.ErrInvalidMessage)
	assert.Empty(t, s.Entries())
	assert.Equal(t, StateSynced, s.State())
}

func TestSession_FailedSendIsFlaggedThenRetried(t *testing.T) {
	svc := newService(t, "U1", "U2")

	var mu sync.Mutex
	failing := true
	api := &stubAPI{API: svc}
	api.send = func(ctx context.Context, senderID, receiverID, body string) (models.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return models.Message{}, models.ErrStorageUnavailable
		}
		return svc.SendMessage(ctx, senderID, receiverID, body)
	}
	s := openSession(t, api, "U1", "U2")

	_, err := s.Send(t.Context(), "first try")
	require.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, StateError, s.State())
	assert.ErrorIs(t, s.Err(), models.ErrStorageUnavailable)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Failed)
	assert.Empty(t, s.Messages(), "a failed draft is never shown as stored")

	mu.Lock()
	failing = false
	mu.Unlock()

	sent, err := s.Retry(t.Context(), entries[0].LocalID)
	require.NoError(t, err)
	assert.Equal(t, "first try", sent.Body)
	assert.Equal(t, StateSynced, s.State())
	assert.NoError(t, s.Err())
	assertConverged(t, svc, s)
	assert.Len(t, s.Entries(), 1)

	_, err = s.Retry(t.Context(), entries[0].LocalID)
	assert.Error(t, err, "a confirmed draft cannot be retried")
}

func TestSession_DiscardFailedSend(t *testing.T) {
	svc := newService(t, "U1", "U2")
	api := &stubAPI{API: svc}
	api.send = func(context.Context, string, string, string) (models.Message, error) {
		return models.Message{}, models.ErrStorageUnavailable
	}
	s := openSession(t, api, "U1", "U2")

	_, err := s.Send(t.Context(), "doomed")
	require.Error(t, err)
	localID := s.Entries()[0].LocalID

	assert.True(t, s.Discard(localID))
	assert.False(t, s.Discard(localID))
	assert.Empty(t, s.Entries())
	assert.Equal(t, StateSynced, s.State())
}

func TestSession_FallsBackToPolling(t *testing.T) {
	svc := newService(t, "U1", "U2")
	api := &stubAPI{API: svc}
	api.watch = func(context.Context, string, string) (<-chan models.Message, error) {
		return nil, models.ErrDeliveryUnavailable
	}
	s := openSession(t, api, "U1", "U2")
	assert.True(t, s.Polling())
	assert.Equal(t, StateSynced, s.State())

	_, err := svc.SendMessage(t.Context(), "U2", "U1", "polled")
	require.NoError(t, err)
	_, err = s.Send(t.Context(), "mine")
	require.NoError(t, err)

	assertConverged(t, svc, s)
	assert.Len(t, s.Entries(), 2)
}

func TestSession_PollRetriesFailedMarkRead(t *testing.T) {
	svc := newService(t, "U1", "U2")

	var calls atomic.Int32
	api := &stubAPI{API: svc}
	api.watch = func(context.Context, string, string) (<-chan models.Message, error) {
		return nil, models.ErrDeliveryUnavailable
	}
	api.read = func(ctx context.Context, viewerID, counterpartID string) (int, error) {
		// The flip right after the first polled message fails once
		if calls.Add(1) == 2 {
			return 0, models.ErrStorageUnavailable
		}
		return svc.MarkAsRead(ctx, viewerID, counterpartID)
	}
	s := openSession(t, api, "U1", "U2")

	_, err := svc.SendMessage(t.Context(), "U2", "U1", "unread")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		history, err := svc.GetHistory(context.Background(), "U1", "U2")
		return err == nil && len(history) == 1 && history[0].Read
	}, eventually, 10*time.Millisecond, "a later poll flips what the failed call left unread")
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	assertConverged(t, svc, s)
}

func TestSession_ReconnectRecoversMissedMessages(t *testing.T) {
	svc := newService(t, "U1", "U2")

	first := make(chan models.Message)
	var mu sync.Mutex
	watches := 0
	api := &stubAPI{API: svc}
	api.watch = func(ctx context.Context, viewerID, counterpartID string) (<-chan models.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		watches++
		if watches == 1 {
			return first, nil
		}
		return svc.Watch(ctx, viewerID, counterpartID)
	}
	s := openSession(t, api, "U1", "U2")

	// Appended while the first stream is not delivering
	_, err := svc.SendMessage(t.Context(), "U2", "U1", "missed")
	require.NoError(t, err)
	close(first)

	assertConverged(t, svc, s)
	assert.False(t, s.Polling())

	_, err = svc.SendMessage(t.Context(), "U2", "U1", "after reconnect")
	require.NoError(t, err)
	assertConverged(t, svc, s)

	mu.Lock()
	assert.Equal(t, 2, watches)
	mu.Unlock()
}

func TestSession_DropsStaleHistory(t *testing.T) {
	svc := newService(t, "U1", "U2")
	ctx := t.Context()
	old, err := svc.SendMessage(ctx, "U2", "U1", "old")
	require.NoError(t, err)
	fresh, err := svc.SendMessage(ctx, "U2", "U1", "fresh")
	require.NoError(t, err)

	responses := []chan []models.Message{make(chan []models.Message), make(chan []models.Message)}
	var calls atomic.Int32
	api := &stubAPI{API: svc}
	s, err := NewSession(api, SessionConfig{ViewerID: "U1", CounterpartID: "U2"})
	require.NoError(t, err)
	s.state = StateSynced
	api.history = func(context.Context, string, string) ([]models.Message, error) {
		return <-responses[calls.Add(1)-1], nil
	}

	slow := make(chan error, 1)
	go func() { slow <- s.refresh(ctx) }()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, eventually, time.Millisecond)

	quick := make(chan error, 1)
	go func() { quick <- s.refresh(ctx) }()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, eventually, time.Millisecond)

	// The newer request answers first with the complete history
	responses[1] <- []models.Message{old, fresh}
	require.NoError(t, <-quick)
	// The older request's answer would have been applied on top; it is dropped instead
	stale := old
	stale.Body = "stale copy"
	responses[0] <- []models.Message{stale}
	require.NoError(t, <-slow)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "old", msgs[0].Body)
	assert.Equal(t, fresh.ID, msgs[1].ID)
}

func TestSession_ConcurrentSendsConverge(t *testing.T) {
	svc := newService(t, "U1", "U2")
	a := openSession(t, svc, "U1", "U2")
	b := openSession(t, svc, "U2", "U1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := a.Send(context.Background(), "from U1")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := b.Send(context.Background(), "from U2")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assertConverged(t, svc, a)
	assertConverged(t, svc, b)
	assert.Len(t, a.Messages(), 20)
	assert.Len(t, a.Entries(), 20, "no draft is left behind")
	assert.Len(t, b.Entries(), 20)
}

func TestSession_CloseStopsFollowing(t *testing.T) {
	svc := newService(t, "U1", "U2")
	s := openSession(t, svc, "U1", "U2")
	s.Close()
	s.Close()

	_, err := svc.SendMessage(t.Context(), "U2", "U1", "after close")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Messages())
	assert.NoError(t, s.Err())
}
