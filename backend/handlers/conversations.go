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
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/efchatnet/efdm/backend/chat"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
)

// ConversationHandler starts and lists conversations
type ConversationHandler struct {
	service  *chat.Service
	validate *validator.Validate
	logger   *slog.Logger
}

func NewConversationHandler(service *chat.Service, logger *slog.Logger) *ConversationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.With("component", "conversation-handler"),
	}
}

// InitiateRequest represents a request to start a conversation
type InitiateRequest struct {
	PeerID string `json:"peer_id" validate:"required"`
}

// InitiateResponse is the conversation as seen by the initiator
type InitiateResponse struct {
	models.Conversation
	PeerID  string `json:"peer_id"`
	Created bool   `json:"created"`
}

// Initiate creates or retrieves the conversation between the viewer and a peer
// POST /api/chat/conversations
func (h *ConversationHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
		return
	}

	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "peer_id is required")
		return
	}

	conv, created, err := h.service.Initiate(r.Context(), userID, req.PeerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, InitiateResponse{Conversation: conv, PeerID: req.PeerID, Created: created})
}

// List returns the viewer's conversations, most recent first
// GET /api/chat/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
		return
	}

	list, err := h.service.ListConversations(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": list,
		"count":         len(list),
	})
}
