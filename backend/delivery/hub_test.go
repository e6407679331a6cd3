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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/models"
)

const keyAB models.ConversationKey = "dm:alice:bob"

func makeMessage(id string) models.Message {
	return models.Message{
		ID:              id,
		ConversationKey: keyAB,
		SenderID:        "alice",
		ReceiverID:      "bob",
		Body:            "hello from " + id,
		CreatedAt:       time.Now().UTC(),
	}
}

func receive(t *testing.T, sub *Subscription) models.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return models.Message{}
}

func TestHub_SubscribersReceivePublishedMessage(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	sub1, err := h.Subscribe(t.Context(), keyAB)
	require.NoError(t, err)
	sub2, err := h.Subscribe(t.Context(), keyAB)
	require.NoError(t, err)
	assert.NotEqual(t, sub1.ID, sub2.ID)

	require.NoError(t, h.Publish(t.Context(), keyAB, makeMessage("m1")))

	assert.Equal(t, "m1", receive(t, sub1).ID)
	assert.Equal(t, "m1", receive(t, sub2).ID)
}

func TestHub_KeysAreIsolated(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	other, err := h.Subscribe(t.Context(), "dm:alice:carol")
	require.NoError(t, err)
	mine, err := h.Subscribe(t.Context(), keyAB)
	require.NoError(t, err)

	require.NoError(t, h.Publish(t.Context(), keyAB, makeMessage("m1")))
	assert.Equal(t, "m1", receive(t, mine).ID)

	select {
	case msg := <-other.C:
		t.Fatalf("unexpected message %s on other conversation", msg.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_NoReplayForLateSubscriber(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	require.NoError(t, h.Publish(t.Context(), keyAB, makeMessage("before")))

	sub, err := h.Subscribe(t.Context(), keyAB)
	require.NoError(t, err)
	require.NoError(t, h.Publish(t.Context(), keyAB, makeMessage("after")))

	assert.Equal(t, "after", receive(t, sub).ID)
}

func TestHub_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	slow, err := h.Subscribe(t.Context(), keyAB)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			_ = h.Publish(context.Background(), keyAB, makeMessage("m"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, slow.C, subscriberBufferSize)
}

func TestHub_UnsubscribeStopsDeliveryImmediately(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	sub, err := h.Subscribe(t.Context(), keyAB)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Subscribers(keyAB))

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, h.Subscribers(keyAB))

	require.NoError(t, h.Publish(t.Context(), keyAB, makeMessage("late")))
	_, ok := <-sub.C
	assert.False(t, ok, "channel must be closed and empty")
}

func TestHub_ContextCancellationUnsubscribes(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(t.Context())
	sub, err := h.Subscribe(ctx, keyAB)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not released after cancel")
	}
	assert.Eventually(t, func() bool { return h.Subscribers(keyAB) == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	h := NewHub(nil)

	sub, err := h.Subscribe(t.Context(), keyAB)
	require.NoError(t, err)

	h.Close()
	_, ok := <-sub.C
	assert.False(t, ok)

	_, err = h.Subscribe(t.Context(), keyAB)
	assert.ErrorIs(t, err, models.ErrDeliveryUnavailable)
	assert.ErrorIs(t, h.Publish(t.Context(), keyAB, makeMessage("m")), models.ErrDeliveryUnavailable)
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := h.Subscribe(t.Context(), keyAB)
			if assert.NoError(t, err) {
				sub.Unsubscribe()
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Publish(t.Context(), keyAB, makeMessage("m")))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Subscribers(keyAB))
}
