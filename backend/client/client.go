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

// Package client is the viewer side of direct messaging: an HTTP client for the DM API
// and the Session that keeps one open conversation in step with the server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

// ErrUnreachable wraps transport failures talking to the server
var ErrUnreachable = errors.New("server unreachable")

const defaultRequestTimeout = 10 * time.Second

// API is what a Session needs from the messaging backend.
// *Client implements it over HTTP and *chat.Service in process.
type API interface {
	GetHistory(ctx context.Context, userA, userB string) ([]models.Message, error)
	SendMessage(ctx context.Context, senderID, receiverID, body string) (models.Message, error)
	MarkAsRead(ctx context.Context, viewerID, counterpartID string) (int, error)
	GetParticipant(ctx context.Context, id string) (models.Participant, error)
	// Watch streams messages appended to the conversation after it returns.
	// The channel is closed when ctx ends or the stream drops.
	Watch(ctx context.Context, viewerID, counterpartID string) (<-chan models.Message, error)
}

var _ API = (*Client)(nil)

// APIError is a failed API call. It unwraps to the matching models error when the
// server reported one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

var codeErrors = map[string]error{
	"invalid_participants":  models.ErrInvalidParticipants,
	"participant_not_found": models.ErrParticipantNotFound,
	"invalid_message":       models.ErrInvalidMessage,
	"message_not_found":     models.ErrMessageNotFound,
	"storage_unavailable":   models.ErrStorageUnavailable,
	"delivery_unavailable":  models.ErrDeliveryUnavailable,
}

func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// Client talks to the DM HTTP API as one authenticated participant
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls.
// Streams reuse its transport without the timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
		c.stream = &http.Client{Transport: hc.Transport}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		stream:  &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "dm-client")
	return c
}

type historyResponse struct {
	Messages []models.Message `json:"messages"`
	Count    int              `json:"count"`
}

type sendRequest struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Message    string `json:"message"`
}

type readResponse struct {
	Count int `json:"count"`
}

type conversationsResponse struct {
	Conversations []models.ConversationSummary `json:"conversations"`
	Count         int                          `json:"count"`
}

type profileRequest struct {
	Username string `json:"username"`
	Picture  string `json:"picture,omitempty"`
}

func (c *Client) GetHistory(ctx context.Context, userA, userB string) ([]models.Message, error) {
	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, pathOf("api", "chat", userA, userB), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) SendMessage(ctx context.Context, senderID, receiverID, body string) (models.Message, error) {
	var msg models.Message
	req := sendRequest{SenderID: senderID, ReceiverID: receiverID, Message: body}
	if err := c.do(ctx, http.MethodPost, "/api/chat", req, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (c *Client) MarkAsRead(ctx context.Context, viewerID, counterpartID string) (int, error) {
	var resp readResponse
	if err := c.do(ctx, http.MethodPut, pathOf("api", "chat", "read", viewerID, counterpartID), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) GetParticipant(ctx context.Context, id string) (models.Participant, error) {
	var p models.Participant
	if err := c.do(ctx, http.MethodGet, pathOf("api", "participants", id), nil, &p); err != nil {
		return models.Participant{}, err
	}
	return p, nil
}

// GetMessage looks up one stored message by id, for example to check whether a send
// whose response was lost reached the server
func (c *Client) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodGet, pathOf("api", "chat", "message", messageID), nil, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// RegisterProfile creates or updates the caller's own participant profile
func (c *Client) RegisterProfile(ctx context.Context, username, picture string) (models.Participant, error) {
	var p models.Participant
	if err := c.do(ctx, http.MethodPut, "/api/participants/me", profileRequest{Username: username, Picture: picture}, &p); err != nil {
		return models.Participant{}, err
	}
	return p, nil
}

// ListConversations returns the caller's conversations, most recent first
func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var resp conversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// Watch opens the server-sent event stream of the conversation and returns once the
// server confirms the subscription.
func (c *Client) Watch(ctx context.Context, viewerID, counterpartID string) (<-chan models.Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, pathOf("api", "chat", "stream", viewerID, counterpartID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", models.ErrDeliveryUnavailable, ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	ready := make(chan error, 1)
	out := make(chan models.Message, 16)

	go func() {
		defer close(out)
		defer resp.Body.Close()

		confirmed := false
		err := readEvents(ctx, resp.Body, func(ev sseEvent) bool {
			switch ev.Type {
			case "ready":
				if !confirmed {
					confirmed = true
					ready <- nil
				}
			case "message":
				var msg models.Message
				if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
					c.logger.Warn("dropping malformed stream event", "error", err)
					return true
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return false
				}
			case "closed":
				return false
			}
			return true
		})
		if !confirmed {
			ready <- fmt.Errorf("%w: stream ended before it was confirmed", models.ErrDeliveryUnavailable)
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Debug("stream ended", "error", err)
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
		}
	} else {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		apiErr.Message = strings.TrimSpace(string(text))
	}
	return apiErr
}

func pathOf(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}
