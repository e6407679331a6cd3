// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/efchatnet/efdm/backend/models"
)

// Error codes carried in the "code" field of error responses
const (
	CodeInvalidParticipants = "invalid_participants"
	CodeParticipantNotFound = "participant_not_found"
	CodeInvalidMessage      = "invalid_message"
	CodeMessageNotFound     = "message_not_found"
	CodeStorageUnavailable  = "storage_unavailable"
	CodeDeliveryUnavailable = "delivery_unavailable"
	CodeForbidden           = "forbidden"
	CodeUnauthorized        = "unauthorized"
	CodeBadRequest          = "bad_request"
	CodeInternal            = "internal"
)

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeServiceError maps a chat service error onto its HTTP status
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidParticipants):
		writeError(w, http.StatusBadRequest, CodeInvalidParticipants, err.Error())
	case errors.Is(err, models.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, CodeInvalidMessage, err.Error())
	case errors.Is(err, models.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, CodeMessageNotFound, err.Error())
	case errors.Is(err, models.ErrParticipantNotFound):
		writeError(w, http.StatusNotFound, CodeParticipantNotFound, err.Error())
	case errors.Is(err, models.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, CodeStorageUnavailable, "Storage unavailable, try again")
	case errors.Is(err, models.ErrDeliveryUnavailable):
		writeError(w, http.StatusServiceUnavailable, CodeDeliveryUnavailable, "Live delivery unavailable, poll history instead")
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
	}
}
