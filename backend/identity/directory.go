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

// Package identity answers whether a participant exists and what they look like.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

//go:generate go run go.uber.org/mock/mockgen -destination=../mocks/mock_directory.go -package=mocks . Directory

type Directory interface {
	// Lookup returns models.ErrParticipantNotFound for unknown ids
	Lookup(ctx context.Context, id string) (models.Participant, error)
	Register(ctx context.Context, p models.Participant) (models.Participant, error)
}

// CachedDirectory reads participants from a store and keeps hits for a while.
// Misses are not cached so a freshly registered participant is found right away.
type CachedDirectory struct {
	store  storage.ParticipantStore
	cache  *cache.Cache
	logger *slog.Logger
}

var _ Directory = (*CachedDirectory)(nil)

func NewCachedDirectory(store storage.ParticipantStore, ttl time.Duration, logger *slog.Logger) *CachedDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDirectory{
		store:  store,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger.With("component", "identity"),
	}
}

func (d *CachedDirectory) Lookup(ctx context.Context, id string) (models.Participant, error) {
	if id == "" {
		return models.Participant{}, fmt.Errorf("%w: empty id", models.ErrParticipantNotFound)
	}
	if cached, ok := d.cache.Get(id); ok {
		return cached.(models.Participant), nil
	}

	p, err := d.store.GetParticipant(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Participant{}, fmt.Errorf("%w: %s", models.ErrParticipantNotFound, id)
	}
	if err != nil {
		return models.Participant{}, err
	}

	d.cache.Set(id, p, cache.DefaultExpiration)
	return p, nil
}

func (d *CachedDirectory) Register(ctx context.Context, p models.Participant) (models.Participant, error) {
	if err := d.store.SaveParticipant(ctx, p); err != nil {
		return models.Participant{}, err
	}
	d.cache.Delete(p.ID)

	saved, err := d.Lookup(ctx, p.ID)
	if err != nil {
		return models.Participant{}, err
	}
	d.logger.Debug("participant registered", "participant_id", p.ID)
	return saved, nil
}
