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

package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/efchatnet/efdm/backend/delivery"
	"github.com/efchatnet/efdm/backend/identity"
	"github.com/efchatnet/efdm/backend/mocks"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage/memory"
)

type fixture struct {
	service *Service
	store   *memory.Store
	hub     *delivery.Hub
}

func newFixture(t *testing.T, participants ...string) *fixture {
	t.Helper()
	store := memory.NewStore()
	directory := identity.NewCachedDirectory(store, time.Minute, nil)
	for _, id := range participants {
		_, err := directory.Register(t.Context(), models.Participant{ID: id, Username: "user-" + id})
		require.NoError(t, err)
	}
	hub := delivery.NewHub(nil)
	t.Cleanup(hub.Close)

	return &fixture{
		service: NewService(store, directory, hub, WithOperationTimeout(time.Second)),
		store:   store,
		hub:     hub,
	}
}

func bodies(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestService_ConversationScenario(t *testing.T) {
	f := newFixture(t, "U1", "U2")
	ctx := t.Context()

	_, err := f.service.SendMessage(ctx, "U1", "U2", "hi")
	require.NoError(t, err)
	_, err = f.service.SendMessage(ctx, "U2", "U1", "hello")
	require.NoError(t, err)
	_, err = f.service.SendMessage(ctx, "U1", "U2", "how are you")
	require.NoError(t, err)

	history, err := f.service.GetHistory(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.Equal(t, []string{"hi", "hello", "how are you"}, bodies(history))

	mirrored, err := f.service.GetHistory(ctx, "U2", "U1")
	require.NoError(t, err)
	assert.Equal(t, history, mirrored)

	// U1 has exactly one message addressed to them
	n, err := f.service.MarkAsRead(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.service.MarkAsRead(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.service.MarkAsRead(ctx, "U2", "U1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.service.MarkAsRead(ctx, "U2", "U1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestService_SendValidation(t *testing.T) {
	f := newFixture(t, "U1", "U2")
	ctx := t.Context()

	_, err := f.service.SendMessage(ctx, "U1", "U1", "x")
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)

	_, err = f.service.SendMessage(ctx, "U1", "nonexistent", "x")
	assert.ErrorIs(t, err, models.ErrParticipantNotFound)

	_, err = f.service.SendMessage(ctx, "U1", "U2", "   ")
	assert.ErrorIs(t, err, models.ErrInvalidMessage)

	_, err = f.service.SendMessage(ctx, "", "U2", "x")
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)

	history, err := f.service.GetHistory(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.Empty(t, history, "failed sends must not append anything")
}

func TestService_GetHistoryValidation(t *testing.T) {
	f := newFixture(t, "U1")

	_, err := f.service.GetHistory(t.Context(), "U1", "U1")
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)

	_, err = f.service.GetHistory(t.Context(), "U1", "ghost")
	assert.ErrorIs(t, err, models.ErrParticipantNotFound)
}

func TestService_IdenticalSendsAreNotDeduplicated(t *testing.T) {
	f := newFixture(t, "U1", "U2")
	ctx := t.Context()

	first, err := f.service.SendMessage(ctx, "U1", "U2", "same")
	require.NoError(t, err)
	second, err := f.service.SendMessage(ctx, "U1", "U2", "same")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	history, err := f.service.GetHistory(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestService_MarkAsReadIsScopedToConversation(t *testing.T) {
	f := newFixture(t, "U1", "U2", "U3")
	ctx := t.Context()

	_, err := f.service.SendMessage(ctx, "U1", "U2", "from one")
	require.NoError(t, err)
	other, err := f.service.SendMessage(ctx, "U3", "U2", "from three")
	require.NoError(t, err)

	n, err := f.service.MarkAsRead(ctx, "U2", "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetMessage(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, stored.Read)

	_, err = f.service.MarkAsRead(ctx, "U2", "U2")
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)
}

func TestService_GetMessage(t *testing.T) {
	f := newFixture(t, "U1", "U2", "U3")
	ctx := t.Context()

	sent, err := f.service.SendMessage(ctx, "U1", "U2", "hi")
	require.NoError(t, err)

	for _, viewer := range []string{"U1", "U2"} {
		got, err := f.service.GetMessage(ctx, viewer, sent.ID)
		require.NoError(t, err)
		assert.Equal(t, sent, got)
	}

	_, err = f.service.GetMessage(ctx, "U3", sent.ID)
	assert.ErrorIs(t, err, models.ErrMessageNotFound, "outsiders cannot read the conversation")

	_, err = f.service.GetMessage(ctx, "U1", "missing")
	assert.ErrorIs(t, err, models.ErrMessageNotFound)

	_, err = f.service.GetMessage(ctx, "", sent.ID)
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)
}

func TestService_SubscribersReceiveNewMessages(t *testing.T) {
	f := newFixture(t, "U1", "U2", "U3")
	ctx := t.Context()

	viewer, err := f.service.Subscribe(ctx, "U2", "U1")
	require.NoError(t, err)
	defer viewer.Unsubscribe()
	bystander, err := f.service.Watch(ctx, "U3", "U1")
	require.NoError(t, err)

	sent, err := f.service.SendMessage(ctx, "U1", "U2", "live")
	require.NoError(t, err)

	select {
	case got := <-viewer.C:
		assert.Equal(t, sent.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	select {
	case got := <-bystander:
		t.Fatalf("message %s leaked to another conversation", got.ID)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = f.service.Subscribe(ctx, "U2", "ghost")
	assert.ErrorIs(t, err, models.ErrParticipantNotFound)
}

func TestService_InitiateAndList(t *testing.T) {
	f := newFixture(t, "U1", "U2", "U3")
	ctx := t.Context()

	conv, created, err := f.service.Initiate(ctx, "U2", "U1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "U1", conv.User1ID)

	_, created, err = f.service.Initiate(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = f.service.Initiate(ctx, "U1", "ghost")
	assert.ErrorIs(t, err, models.ErrParticipantNotFound)

	time.Sleep(2 * time.Millisecond)
	_, err = f.service.SendMessage(ctx, "U3", "U1", "hey")
	require.NoError(t, err)

	list, err := f.service.ListConversations(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "U3", list[0].CounterpartID)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.Equal(t, "U2", list[1].CounterpartID)
}

func TestService_RegisterParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	p, err := f.service.RegisterParticipant(ctx, models.Participant{ID: "U9", Username: "nine"})
	require.NoError(t, err)
	assert.Equal(t, "nine", p.Username)

	got, err := f.service.GetParticipant(ctx, "U9")
	require.NoError(t, err)
	assert.Equal(t, "nine", got.Username)

	_, err = f.service.RegisterParticipant(ctx, models.Participant{ID: "U10"})
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)
	_, err = f.service.RegisterParticipant(ctx, models.Participant{ID: "bad:id", Username: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)

	_, err = f.service.GetParticipant(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrParticipantNotFound)
}

func TestService_ConcurrentSendsFromBothSides(t *testing.T) {
	f := newFixture(t, "U1", "U2")
	ctx := t.Context()

	errs := make(chan error, 2)
	go func() { _, err := f.service.SendMessage(ctx, "U1", "U2", "ping"); errs <- err }()
	go func() { _, err := f.service.SendMessage(ctx, "U2", "U1", "pong"); errs <- err }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	history, err := f.service.GetHistory(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ping", "pong"}, bodies(history))
}

func knownParticipants(dir *mocks.MockDirectory) {
	dir.EXPECT().Lookup(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, id string) (models.Participant, error) {
			return models.Participant{ID: id, Username: id}, nil
		}).AnyTimes()
}

func TestService_DeliveryFailureDoesNotFailSend(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	dir := mocks.NewMockDirectory(ctrl)
	channel := mocks.NewMockChannel(ctrl)
	knownParticipants(dir)

	stored := models.Message{ID: "m1", ConversationKey: "dm:U1:U2", SenderID: "U1", ReceiverID: "U2", Body: "hi"}
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(stored, nil).Times(1)
	channel.EXPECT().Publish(gomock.Any(), models.ConversationKey("dm:U1:U2"), stored).
		Return(models.ErrDeliveryUnavailable).Times(1)

	s := NewService(store, dir, channel)
	msg, err := s.SendMessage(t.Context(), "U1", "U2", "hi")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
}

func TestService_StorageFailuresAreClassified(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	dir := mocks.NewMockDirectory(ctrl)
	channel := mocks.NewMockChannel(ctrl)
	knownParticipants(dir)

	boom := errors.New("connection reset")
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(models.Message{}, boom)
	store.EXPECT().History(gomock.Any(), gomock.Any()).Return(nil, boom)
	store.EXPECT().MarkRead(gomock.Any(), gomock.Any(), "U2").Return(0, boom)
	channel.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	s := NewService(store, dir, channel)

	_, err := s.SendMessage(t.Context(), "U1", "U2", "hi")
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.ErrorIs(t, err, boom)

	_, err = s.GetHistory(t.Context(), "U1", "U2")
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)

	_, err = s.MarkAsRead(t.Context(), "U2", "U1")
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
}

func TestService_OperationTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	dir := mocks.NewMockDirectory(ctrl)
	knownParticipants(dir)

	store.EXPECT().History(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ models.ConversationKey) ([]models.Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	s := NewService(store, dir, mocks.NewMockChannel(ctrl), WithOperationTimeout(20*time.Millisecond))
	_, err := s.GetHistory(t.Context(), "U1", "U2")
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_SubscribeFailureIsDeliveryUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	dir := mocks.NewMockDirectory(ctrl)
	channel := mocks.NewMockChannel(ctrl)
	knownParticipants(dir)

	channel.EXPECT().Subscribe(gomock.Any(), models.ConversationKey("dm:U1:U2")).Return(nil, errors.New("redis down"))

	s := NewService(mocks.NewMockStore(ctrl), dir, channel)
	_, err := s.Subscribe(t.Context(), "U2", "U1")
	assert.ErrorIs(t, err, models.ErrDeliveryUnavailable)
}
