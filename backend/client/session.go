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

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efchatnet/efdm/backend/conversation"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

// DefaultPollInterval is used when push delivery cannot be established
const DefaultPollInterval = 5 * time.Second

type State int

const (
	StateLoading State = iota
	StateSynced
	StateReceiving
	StateSending
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	case StateReceiving:
		return "receiving"
	case StateSending:
		return "sending"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SessionConfig configures one open conversation view
type SessionConfig struct {
	ViewerID      string
	CounterpartID string
	PollInterval  time.Duration
	Logger        *slog.Logger
	// OnStateChange is called with the lock held on every transition. It must not
	// call back into the Session.
	OnStateChange func(State)
}

// Session keeps one viewer's copy of a conversation in step with the server.
// Push delivery is preferred; when it is unavailable the session polls history.
type Session struct {
	api          API
	viewer       string
	counterpart  string
	key          models.ConversationKey
	pollInterval time.Duration
	logger       *slog.Logger
	onState      func(State)

	mu       sync.Mutex
	state    State
	err      error
	timeline *Timeline
	peer     models.Participant
	inFlight int
	polling  bool

	// fetchSeq numbers history requests; only the latest started one is applied
	fetchSeq atomic.Uint64

	updates   chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(api API, cfg SessionConfig) (*Session, error) {
	key, err := conversation.Resolve(cfg.ViewerID, cfg.CounterpartID)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		api:          api,
		viewer:       cfg.ViewerID,
		counterpart:  cfg.CounterpartID,
		key:          key,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger.With("component", "dm-session", "conversation_key", key),
		onState:      cfg.OnStateChange,
		state:        StateLoading,
		timeline:     NewTimeline(),
		updates:      make(chan struct{}, 1),
	}, nil
}

// Open loads the conversation and starts following it. The session lives until
// ctx ends or Close is called.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	s.setState(StateLoading)
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Subscribe first so nothing appended during the history fetch is missed
	stream, err := s.api.Watch(runCtx, s.viewer, s.counterpart)
	if err != nil {
		if !errors.Is(err, models.ErrDeliveryUnavailable) {
			return s.failOpen(err)
		}
		s.logger.Warn("push delivery unavailable, falling back to polling",
			"interval", s.pollInterval, "error", err)
		stream = nil
	}

	peer, err := s.api.GetParticipant(runCtx, s.counterpart)
	if err != nil {
		return s.failOpen(err)
	}
	if err := s.refresh(runCtx); err != nil {
		return s.failOpen(err)
	}
	if _, err := s.api.MarkAsRead(runCtx, s.viewer, s.counterpart); err != nil {
		return s.failOpen(err)
	}

	s.mu.Lock()
	s.peer = peer
	s.polling = stream == nil
	s.timeline.MarkReadLocally(s.viewer)
	s.setState(StateSynced)
	s.mu.Unlock()
	s.notify()

	s.done = make(chan struct{})
	go s.run(runCtx, stream)
	return nil
}

func (s *Session) failOpen(err error) error {
	s.cancel()
	s.mu.Lock()
	s.err = err
	s.setState(StateError)
	s.mu.Unlock()
	s.notify()
	return fmt.Errorf("failed to open conversation with %s: %w", s.counterpart, err)
}

func (s *Session) run(ctx context.Context, stream <-chan models.Message) {
	defer close(s.done)

	var tick <-chan time.Time
	startPolling := func() {
		ticker := time.NewTicker(s.pollInterval)
		context.AfterFunc(ctx, ticker.Stop)
		tick = ticker.C
		s.mu.Lock()
		s.polling = true
		s.mu.Unlock()
	}
	if stream == nil {
		startPolling()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				stream = s.reconnect(ctx)
				if stream == nil && tick == nil && ctx.Err() == nil {
					startPolling()
				}
				continue
			}
			s.receive(ctx, msg)
		case <-tick:
			// Overlapping polls are allowed; stale responses are dropped
			go func() {
				if err := s.refresh(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("poll failed", "error", err)
				}
			}()
		}
	}
}

// reconnect replaces a dropped push stream and refetches history to recover anything
// missed while disconnected. It returns nil when push delivery is gone.
func (s *Session) reconnect(ctx context.Context) <-chan models.Message {
	if ctx.Err() != nil {
		return nil
	}
	s.logger.Info("push stream closed, resubscribing")

	stream, err := s.api.Watch(ctx, s.viewer, s.counterpart)
	if err != nil {
		stream = nil
		if ctx.Err() == nil {
			s.logger.Warn("resubscribe failed, falling back to polling", "error", err)
		}
	}
	if err := s.refresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("history refetch after reconnect failed", "error", err)
	}
	return stream
}

// receive merges one pushed message
func (s *Session) receive(ctx context.Context, msg models.Message) {
	if msg.ConversationKey != s.key {
		return
	}

	s.mu.Lock()
	prev := s.state
	s.setState(StateReceiving)
	if localID, ok := s.timeline.MatchPending(msg); ok {
		s.timeline.Confirm(localID, msg)
	} else {
		s.timeline.Merge(msg)
	}
	s.settle(prev)
	s.mu.Unlock()
	s.notify()

	if msg.ReceiverID == s.viewer {
		s.markRead(ctx)
	}
}

// refresh fetches history and merges it unless a newer fetch started meanwhile
func (s *Session) refresh(ctx context.Context) error {
	seq := s.fetchSeq.Add(1)

	history, err := s.api.GetHistory(ctx, s.viewer, s.counterpart)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if seq != s.fetchSeq.Load() {
		s.mu.Unlock()
		s.logger.Debug("dropping stale history response", "seq", seq)
		return nil
	}

	prev := s.state
	loading := prev == StateLoading
	if !loading {
		s.setState(StateReceiving)
	}
	// Anything still unread on the server is flipped again, which also retries a
	// MarkAsRead that failed earlier
	unread := 0
	for _, msg := range history {
		if msg.ReceiverID == s.viewer && !msg.Read {
			unread++
		}
	}
	// Our own drafts may have landed while the send was in flight
	for _, msg := range history {
		if msg.SenderID != s.viewer || s.timeline.Contains(msg.ID) {
			continue
		}
		if localID, ok := s.timeline.MatchPending(msg); ok {
			s.timeline.Confirm(localID, msg)
		}
	}
	s.timeline.Merge(history...)
	if !loading {
		s.settle(prev)
	}
	s.mu.Unlock()
	s.notify()

	if unread > 0 && !loading {
		s.markRead(ctx)
	}
	return nil
}

func (s *Session) markRead(ctx context.Context) {
	count, err := s.api.MarkAsRead(ctx, s.viewer, s.counterpart)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to mark messages read", "error", err)
		}
		return
	}
	if count > 0 {
		s.mu.Lock()
		s.timeline.MarkReadLocally(s.viewer)
		s.mu.Unlock()
		s.notify()
	}
}

// Send appends body optimistically and stores it. On failure the draft stays in
// Entries flagged Failed until it is retried or discarded.
func (s *Session) Send(ctx context.Context, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, fmt.Errorf("%w: message body is empty", models.ErrInvalidMessage)
	}

	s.mu.Lock()
	localID := s.timeline.AddPending(s.viewer, s.counterpart, body, storage.Now())
	s.beginSend()
	s.mu.Unlock()
	s.notify()

	return s.deliver(ctx, localID, body)
}

// Retry resends a failed draft
func (s *Session) Retry(ctx context.Context, localID string) (models.Message, error) {
	s.mu.Lock()
	entry, ok := s.timeline.Resend(localID)
	if ok {
		s.beginSend()
	}
	s.mu.Unlock()
	if !ok {
		return models.Message{}, fmt.Errorf("no failed message %s", localID)
	}
	s.notify()
	return s.deliver(ctx, localID, entry.Body)
}

// Discard drops a failed draft. It returns false when localID is not a failed draft.
func (s *Session) Discard(localID string) bool {
	s.mu.Lock()
	ok := s.timeline.Discard(localID)
	if ok && s.state == StateError && !s.timeline.HasFailed() {
		s.err = nil
		s.settle(StateSynced)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// beginSend must hold mu
func (s *Session) beginSend() {
	s.inFlight++
	s.setState(StateSending)
}

// deliver stores a draft already counted by beginSend
func (s *Session) deliver(ctx context.Context, localID, body string) (models.Message, error) {
	msg, err := s.api.SendMessage(ctx, s.viewer, s.counterpart, body)

	s.mu.Lock()
	s.inFlight--
	if err != nil {
		if !s.timeline.Fail(localID, err) {
			// A push with the same body took the draft; keep the failure visible
			s.timeline.Fail(s.timeline.AddPending(s.viewer, s.counterpart, body, storage.Now()), err)
		}
		s.err = err
		s.setState(StateError)
		s.mu.Unlock()
		s.notify()
		return models.Message{}, err
	}
	s.timeline.Confirm(localID, msg)
	if !s.timeline.HasFailed() {
		s.err = nil
	}
	s.settle(StateSynced)
	s.mu.Unlock()
	s.notify()
	return msg, nil
}

// settle leaves a transient state. Must hold mu.
func (s *Session) settle(prev State) {
	switch {
	case s.inFlight > 0:
		s.setState(StateSending)
	case prev == StateError && s.timeline.HasFailed():
		s.setState(StateError)
	default:
		s.setState(StateSynced)
	}
}

// setState must hold mu
func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Updates signals, coalesced, whenever the view changed
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Messages returns the confirmed messages, oldest first
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Messages()
}

// Entries returns confirmed messages followed by pending and failed drafts
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Entries()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure behind StateError
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Counterpart() models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) Key() models.ConversationKey {
	return s.key
}

// Polling reports whether the session fell back to polling
func (s *Session) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

// Close releases the subscription and waits for the session to stop
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.done != nil {
			<-s.done
		}
	})
}
