// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config loads the server configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

// Storage backends
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	StorageBadger   = "badger"
	StorageMemory   = "memory"
)

// Delivery backends
const (
	DeliveryMemory = "memory"
	DeliveryRedis  = "redis"
)

type Config struct {
	Port string `env:"PORT,default=8081" validate:"required,numeric"`

	StorageBackend string `env:"STORAGE_BACKEND,default=postgres" validate:"oneof=postgres sqlite badger memory"`
	DatabaseURL    string `env:"DATABASE_URL,default=postgres://localhost/efdm?sslmode=disable" validate:"required_if=StorageBackend postgres"`
	SQLitePath     string `env:"SQLITE_PATH,default=efdm.db" validate:"required_if=StorageBackend sqlite"`
	BadgerPath     string `env:"BADGER_PATH,default=data/badger" validate:"required_if=StorageBackend badger"`

	DeliveryBackend string `env:"DELIVERY_BACKEND,default=memory" validate:"oneof=memory redis"`
	RedisURL        string `env:"REDIS_URL,default=localhost:6379" validate:"required_if=DeliveryBackend redis"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB,default=0" validate:"gte=0"`

	JWTSecret string `env:"JWT_SECRET" validate:"required"`
	JWTIssuer string `env:"JWT_ISSUER,default=efchat"`

	LogLevel            string        `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	ParticipantCacheTTL time.Duration `env:"PARTICIPANT_CACHE_TTL,default=5m" validate:"gt=0"`
	OperationTimeout    time.Duration `env:"OPERATION_TIMEOUT,default=5s" validate:"gt=0"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`

	// Comma separated
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
}

// Load reads files (".env" when none are given) into the environment, then decodes and
// validates the configuration. Missing files are ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// godotenv never overrides variables that are already set
		_ = godotenv.Load(f)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
				return fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag())
			})
			return Config{}, fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Origins returns the configured CORS origins, or nil to use the defaults
func (c Config) Origins() []string {
	origins := lo.Map(strings.Split(c.AllowedOrigins, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	})
	return lo.Compact(origins)
}

// Level maps LogLevel onto a slog level
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c Config) Addr() string {
	return ":" + c.Port
}
