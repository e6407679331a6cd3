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

// Package conversation derives the canonical key shared by the two participants of a direct conversation.
package conversation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/efchatnet/efdm/backend/models"
)

const (
	keyPrefix = "dm"
	separator = ":"
)

// Resolve returns the key for the conversation between p1 and p2.
// The result does not depend on argument order.
func Resolve(p1, p2 string) (models.ConversationKey, error) {
	if err := ValidateID(p1); err != nil {
		return "", err
	}
	if err := ValidateID(p2); err != nil {
		return "", err
	}
	if p1 == p2 {
		return "", fmt.Errorf("%w: a conversation needs two distinct participants", models.ErrInvalidParticipants)
	}

	// Ensure users are ordered consistently
	user1, user2 := p1, p2
	if user1 > user2 {
		user1, user2 = user2, user1
	}
	return models.ConversationKey(keyPrefix + separator + user1 + separator + user2), nil
}

// Participants splits a key back into its ordered participant pair
func Participants(key models.ConversationKey) (string, string, error) {
	parts := strings.Split(string(key), separator)
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" || parts[1] >= parts[2] {
		return "", "", fmt.Errorf("%w: malformed conversation key %q", models.ErrInvalidParticipants, key)
	}
	return parts[1], parts[2], nil
}

// Counterpart returns the participant of key that is not viewer
func Counterpart(key models.ConversationKey, viewer string) (string, error) {
	user1, user2, err := Participants(key)
	if err != nil {
		return "", err
	}
	switch viewer {
	case user1:
		return user2, nil
	case user2:
		return user1, nil
	}
	return "", fmt.Errorf("%w: %s is not part of %s", models.ErrInvalidParticipants, viewer, key)
}

// ValidateID rejects ids that cannot take part in a conversation key
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty participant id", models.ErrInvalidParticipants)
	}
	if strings.Contains(id, separator) || strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: malformed participant id %q", models.ErrInvalidParticipants, id)
	}
	return nil
}
