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

package models

import "errors"

var (
	// ErrInvalidParticipants is returned when a participant pair is missing, malformed or identical
	ErrInvalidParticipants = errors.New("invalid participants")

	// ErrParticipantNotFound is returned when the identity directory does not know a participant
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrMessageNotFound is returned for a message id the viewer cannot see
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidMessage is returned for an empty or whitespace-only body
	ErrInvalidMessage = errors.New("invalid message")

	// ErrStorageUnavailable wraps failures of the message store
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDeliveryUnavailable wraps failures of the live delivery channel.
	// Callers fall back to polling history.
	ErrDeliveryUnavailable = errors.New("delivery unavailable")
)
