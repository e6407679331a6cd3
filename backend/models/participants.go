// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// Participant is an identity that can send and receive direct messages
type Participant struct {
	ID        string    `json:"id" validate:"required"`
	Username  string    `json:"username" validate:"required,max=64"`
	Picture   string    `json:"picture,omitempty" validate:"omitempty,max=2048"`
	CreatedAt time.Time `json:"created_at"`
}
