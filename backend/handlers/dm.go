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

package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"github.com/efchatnet/efdm/backend/chat"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
)

// keepAliveInterval spaces the comment frames that keep idle streams open through proxies
const keepAliveInterval = 25 * time.Second

type DMHandler struct {
	service  *chat.Service
	validate *validator.Validate
	logger   *slog.Logger
}

func NewDMHandler(service *chat.Service, logger *slog.Logger) *DMHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DMHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.With("component", "dm-handler"),
	}
}

// SendMessageRequest is the body of POST /api/chat
type SendMessageRequest struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id" validate:"required"`
	Message    string `json:"message" validate:"required"`
}

// HistoryResponse carries a conversation and the profiles of both participants
type HistoryResponse struct {
	Messages     []models.Message              `json:"messages"`
	Count        int                           `json:"count"`
	Participants map[string]models.Participant `json:"participants"`
}

// GetHistory returns the conversation between the viewer and another participant
// GET /api/chat/{userId}/{receiverId}
func (h *DMHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	viewerID, ok := viewerMatches(w, r, vars["userId"])
	if !ok {
		return
	}
	counterpartID := vars["receiverId"]

	messages, err := h.service.GetHistory(r.Context(), viewerID, counterpartID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	participants := make(map[string]models.Participant, 2)
	for _, id := range []string{viewerID, counterpartID} {
		p, err := h.service.GetParticipant(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		participants[id] = p
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Messages:     messages,
		Count:        len(messages),
		Participants: participants,
	})
}

// SendMessage appends a message from the viewer
// POST /api/chat
func (h *DMHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "receiver_id and message are required")
		return
	}

	senderID, ok := viewerMatches(w, r, lo.CoalesceOrEmpty(req.SenderID, viewerOf(r)))
	if !ok {
		return
	}

	msg, err := h.service.SendMessage(r.Context(), senderID, req.ReceiverID, req.Message)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// GetMessage returns one message of a conversation the viewer is part of
// GET /api/chat/message/{messageId}
func (h *DMHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
		return
	}

	msg, err := h.service.GetMessage(r.Context(), userID, mux.Vars(r)["messageId"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// MarkAsRead flips the viewer's unread messages from senderId
// PUT /api/chat/read/{userId}/{senderId}
func (h *DMHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	viewerID, ok := viewerMatches(w, r, vars["userId"])
	if !ok {
		return
	}

	count, err := h.service.MarkAsRead(r.Context(), viewerID, vars["senderId"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Messages marked as read",
		"count":   count,
	})
}

// Stream pushes new messages of the conversation as server-sent events
// GET /api/chat/stream/{userId}/{receiverId}
func (h *DMHandler) Stream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	viewerID, ok := viewerMatches(w, r, vars["userId"])
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "Streaming unsupported")
		return
	}

	ctx := r.Context()
	sub, err := h.service.Subscribe(ctx, viewerID, vars["receiverId"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.writeEvent(w, "ready", map[string]string{"conversation_key": string(sub.Key)})
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				h.writeEvent(w, "closed", map[string]string{"reason": "delivery channel closed"})
				flusher.Flush()
				return
			}
			h.writeEvent(w, "message", msg)
			flusher.Flush()
		}
	}
}

func (h *DMHandler) writeEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func viewerOf(r *http.Request) string {
	userID, _ := middleware.GetUserID(r)
	return userID
}

// viewerMatches checks that pathUserID is the authenticated participant.
// It writes the error response and returns false otherwise.
func viewerMatches(w http.ResponseWriter, r *http.Request, pathUserID string) (string, bool) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
		return "", false
	}
	if pathUserID != userID {
		writeError(w, http.StatusForbidden, CodeForbidden, "Cannot act on behalf of another participant")
		return "", false
	}
	return userID, true
}
