// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

// Entry is one line of a conversation view. Confirmed entries carry the stored
// message; local entries carry a LocalID until the server confirms them.
type Entry struct {
	models.Message
	LocalID string
	Pending bool
	Failed  bool
	Err     error
}

func (e Entry) Confirmed() bool {
	return !e.Pending && !e.Failed
}

// Timeline is the viewer's ordered copy of a conversation plus the messages it has
// drafted but not yet seen stored. It is not safe for concurrent use.
type Timeline struct {
	confirmed []models.Message
	index     map[string]int
	local     []Entry
}

func NewTimeline() *Timeline {
	return &Timeline{index: make(map[string]int)}
}

// Merge inserts msgs by (created_at, id). A message already present is updated in
// place, so read state follows the latest copy. Returns how many were new.
func (t *Timeline) Merge(msgs ...models.Message) int {
	added := 0
	for _, msg := range msgs {
		if i, ok := t.index[msg.ID]; ok {
			t.confirmed[i] = msg
			continue
		}
		pos, _ := slices.BinarySearchFunc(t.confirmed, msg, storage.CompareMessages)
		t.confirmed = slices.Insert(t.confirmed, pos, msg)
		added++
		if pos == len(t.confirmed)-1 {
			t.index[msg.ID] = pos
			continue
		}
		t.reindex(pos)
	}
	return added
}

func (t *Timeline) reindex(from int) {
	for i := from; i < len(t.confirmed); i++ {
		t.index[t.confirmed[i].ID] = i
	}
}

func (t *Timeline) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// AddPending records an optimistic draft and returns its local id
func (t *Timeline) AddPending(senderID, receiverID, body string, at time.Time) string {
	localID := uuid.NewString()
	t.local = append(t.local, Entry{
		Message: models.Message{
			SenderID:   senderID,
			ReceiverID: receiverID,
			Body:       body,
			CreatedAt:  at,
		},
		LocalID: localID,
		Pending: true,
	})
	return localID
}

// MatchPending finds the oldest pending draft that msg could be the stored copy of
func (t *Timeline) MatchPending(msg models.Message) (string, bool) {
	e, ok := lo.Find(t.local, func(e Entry) bool {
		return e.Pending &&
			e.SenderID == msg.SenderID &&
			e.ReceiverID == msg.ReceiverID &&
			e.Body == msg.Body
	})
	return e.LocalID, ok
}

// Confirm drops the local draft and merges its stored copy. An unknown localID
// still merges msg.
func (t *Timeline) Confirm(localID string, msg models.Message) {
	t.remove(localID)
	t.Merge(msg)
}

func (t *Timeline) Fail(localID string, err error) bool {
	i := t.find(localID)
	if i < 0 {
		return false
	}
	t.local[i].Pending = false
	t.local[i].Failed = true
	t.local[i].Err = err
	return true
}

// Resend puts a failed draft back to pending and returns it
func (t *Timeline) Resend(localID string) (Entry, bool) {
	i := t.find(localID)
	if i < 0 || !t.local[i].Failed {
		return Entry{}, false
	}
	t.local[i].Pending = true
	t.local[i].Failed = false
	t.local[i].Err = nil
	return t.local[i], true
}

// Discard removes a failed draft
func (t *Timeline) Discard(localID string) bool {
	i := t.find(localID)
	if i < 0 || !t.local[i].Failed {
		return false
	}
	t.local = slices.Delete(t.local, i, i+1)
	return true
}

func (t *Timeline) HasFailed() bool {
	return lo.SomeBy(t.local, func(e Entry) bool { return e.Failed })
}

// Messages returns the confirmed messages in order
func (t *Timeline) Messages() []models.Message {
	return slices.Clone(t.confirmed)
}

// Entries returns the confirmed messages followed by local drafts in the order they
// were written
func (t *Timeline) Entries() []Entry {
	entries := lo.Map(t.confirmed, func(m models.Message, _ int) Entry {
		return Entry{Message: m}
	})
	return append(entries, t.local...)
}

// MarkReadLocally flips the read flag of every confirmed message addressed to receiverID
func (t *Timeline) MarkReadLocally(receiverID string) {
	for i := range t.confirmed {
		if t.confirmed[i].ReceiverID == receiverID {
			t.confirmed[i].Read = true
		}
	}
}

func (t *Timeline) find(localID string) int {
	return slices.IndexFunc(t.local, func(e Entry) bool { return e.LocalID == localID })
}

func (t *Timeline) remove(localID string) {
	if i := t.find(localID); i >= 0 {
		t.local = slices.Delete(t.local, i, i+1)
	}
}
