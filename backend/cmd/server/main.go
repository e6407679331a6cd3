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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/config"
	"github.com/efchatnet/efdm/backend/delivery"
	"github.com/efchatnet/efdm/backend/integration"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/badger"
	"github.com/efchatnet/efdm/backend/storage/memory"
	"github.com/efchatnet/efdm/backend/storage/postgres"
	"github.com/efchatnet/efdm/backend/storage/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "DM server terminated with error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("Closing message store...")
		_ = store.Close()
	}()

	// Delivery
	channel, closeChannel, err := openChannel(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeChannel()

	dm, err := integration.NewDMIntegration(&integration.Config{
		Store:               store,
		Channel:             channel,
		JWTSecret:           cfg.JWTSecret,
		JWTIssuer:           cfg.JWTIssuer,
		Logger:              logger,
		ParticipantCacheTTL: cfg.ParticipantCacheTTL,
		OperationTimeout:    cfg.OperationTimeout,
	})
	if err != nil {
		return err
	}
	if err := dm.ValidateSetup(ctx); err != nil {
		return fmt.Errorf("setup validation failed: %w", err)
	}

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg.Origins()))

	dm.RegisterRoutes(r, nil)

	// Health check (no auth required)
	r.HandleFunc("/health", dm.Health).Methods("GET")

	srv := newHTTPServer(cfg.Addr(), r)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("DM server starting",
			"addr", srv.Addr,
			"storage", cfg.StorageBackend,
			"delivery", cfg.DeliveryBackend,
			"jwt_issuer", cfg.JWTIssuer)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down DM server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// newHTTPServer returns a server whose request contexts are cancelled as soon as
// Shutdown starts, so live streams end and release their subscriptions instead of
// holding Shutdown until its deadline.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		return postgres.Open(ctx, cfg.DatabaseURL)
	case config.StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath, logger)
	case config.StorageBadger:
		return badger.Open(cfg.BadgerPath, logger)
	case config.StorageMemory:
		logger.Warn("Using in-memory storage, messages are lost on restart")
		return memory.NewStore(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func openChannel(ctx context.Context, cfg config.Config, logger *slog.Logger) (delivery.Channel, func(), error) {
	switch cfg.DeliveryBackend {
	case config.DeliveryRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis unreachable at %s: %w", cfg.RedisURL, err)
		}
		return delivery.NewRedisChannel(rdb, logger), func() { _ = rdb.Close() }, nil
	case config.DeliveryMemory:
		hub := delivery.NewHub(logger)
		return hub, hub.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown delivery backend %q", cfg.DeliveryBackend)
}
