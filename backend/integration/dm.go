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

// Package integration wires the direct messaging backend into a router, standalone or embedded in efchat.
package integration

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efdm/backend/chat"
	"github.com/efchatnet/efdm/backend/delivery"
	"github.com/efchatnet/efdm/backend/handlers"
	"github.com/efchatnet/efdm/backend/identity"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/storage"
)

const defaultParticipantCacheTTL = 5 * time.Minute

// Config holds what the DM integration needs from its host
type Config struct {
	Store     storage.Store
	Channel   delivery.Channel
	JWTSecret string
	JWTIssuer string
	Logger    *slog.Logger

	ParticipantCacheTTL time.Duration
	OperationTimeout    time.Duration
}

// DMIntegration provides direct messaging as a plugin for efchat
type DMIntegration struct {
	store               storage.Store
	service             *chat.Service
	dmHandler           *handlers.DMHandler
	conversationHandler *handlers.ConversationHandler
	participantHandler  *handlers.ParticipantHandler
	jwtSecret           string
	jwtIssuer           string
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewDMIntegration builds the service and handlers over the configured store and channel
func NewDMIntegration(config *Config) (*DMIntegration, error) {
	switch {
	case config.Store == nil:
		return nil, &ValidationError{Message: "message store is not configured"}
	case config.Channel == nil:
		return nil, &ValidationError{Message: "delivery channel is not configured"}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := config.ParticipantCacheTTL
	if ttl <= 0 {
		ttl = defaultParticipantCacheTTL
	}

	directory := identity.NewCachedDirectory(config.Store, ttl, logger)
	service := chat.NewService(config.Store, directory, config.Channel,
		chat.WithLogger(logger),
		chat.WithOperationTimeout(config.OperationTimeout))

	return &DMIntegration{
		store:               config.Store,
		service:             service,
		dmHandler:           handlers.NewDMHandler(service, logger),
		conversationHandler: handlers.NewConversationHandler(service, logger),
		participantHandler:  handlers.NewParticipantHandler(service),
		jwtSecret:           config.JWTSecret,
		jwtIssuer:           config.JWTIssuer,
	}, nil
}

// RegisterRoutes adds DM routes to an existing router.
// If authMiddleware is nil, it will use the built-in JWT validation.
func (e *DMIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api").Subrouter()

	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(e.jwtSecret, e.jwtIssuer))
	}

	// Conversations
	api.HandleFunc("/chat/conversations", e.conversationHandler.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/chat/conversations", e.conversationHandler.Initiate).Methods("POST", "OPTIONS")

	// Messages
	api.HandleFunc("/chat", e.dmHandler.SendMessage).Methods("POST", "OPTIONS")
	api.HandleFunc("/chat/message/{messageId}", e.dmHandler.GetMessage).Methods("GET", "OPTIONS")
	api.HandleFunc("/chat/read/{userId}/{senderId}", e.dmHandler.MarkAsRead).Methods("PUT", "OPTIONS")
	api.HandleFunc("/chat/stream/{userId}/{receiverId}", e.dmHandler.Stream).Methods("GET", "OPTIONS")
	api.HandleFunc("/chat/{userId}/{receiverId}", e.dmHandler.GetHistory).Methods("GET", "OPTIONS")

	// Participants
	api.HandleFunc("/participants/me", e.participantHandler.RegisterSelf).Methods("PUT", "OPTIONS")
	api.HandleFunc("/participants/{id}", e.participantHandler.Get).Methods("GET", "OPTIONS")
}

// Health reports whether the message store is reachable
func (e *DMIntegration) Health(w http.ResponseWriter, r *http.Request) {
	if err := e.store.Ping(r.Context()); err != nil {
		http.Error(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ValidateSetup checks if the DM module is properly configured
func (e *DMIntegration) ValidateSetup(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	if e.jwtSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	return nil
}

// Service returns the chat service for in-process callers
func (e *DMIntegration) Service() *chat.Service {
	return e.service
}

// GetStore returns the underlying storage implementation
func (e *DMIntegration) GetStore() storage.Store {
	return e.store
}
