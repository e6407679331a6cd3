// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efdm/backend/chat"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
)

type ParticipantHandler struct {
	service *chat.Service
}

func NewParticipantHandler(service *chat.Service) *ParticipantHandler {
	return &ParticipantHandler{service: service}
}

// ProfileRequest is the body of PUT /api/participants/me
type ProfileRequest struct {
	Username string `json:"username"`
	Picture  string `json:"picture"`
}

// Get returns a participant profile
// GET /api/participants/{id}
func (h *ParticipantHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetParticipant(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RegisterSelf creates or updates the viewer's profile
// PUT /api/participants/me
func (h *ParticipantHandler) RegisterSelf(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
		return
	}

	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body")
		return
	}

	p, err := h.service.RegisterParticipant(r.Context(), models.Participant{
		ID:       userID,
		Username: req.Username,
		Picture:  req.Picture,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
