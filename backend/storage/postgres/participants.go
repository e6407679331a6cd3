// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

func (s *Store) GetParticipant(ctx context.Context, id string) (models.Participant, error) {
	var p models.Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, picture, created_at
		FROM participants
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Username, &p.Picture, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Participant{}, storage.Unavailable("get participant", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

// SaveParticipant inserts p or updates its profile. The original creation time is kept.
func (s *Store) SaveParticipant(ctx context.Context, p models.Participant) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = storage.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, username, picture, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, picture = EXCLUDED.picture
	`, p.ID, p.Username, p.Picture, p.CreatedAt)
	if err != nil {
		return storage.Unavailable("save participant", err)
	}
	return nil
}
