// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noEnvFile keeps a stray .env in the working directory out of the tests
func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, ":8081", cfg.Addr())
	assert.Equal(t, StoragePostgres, cfg.StorageBackend)
	assert.Equal(t, DeliveryMemory, cfg.DeliveryBackend)
	assert.Equal(t, "efchat", cfg.JWTIssuer)
	assert.Equal(t, 5*time.Minute, cfg.ParticipantCacheTTL)
	assert.Equal(t, 5*time.Second, cfg.OperationTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	assert.Empty(t, cfg.Origins())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/dm.db")
	t.Setenv("DELIVERY_BACKEND", "redis")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OPERATION_TIMEOUT", "250ms")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, StorageSQLite, cfg.StorageBackend)
	assert.Equal(t, "/tmp/dm.db", cfg.SQLitePath)
	assert.Equal(t, DeliveryRedis, cfg.DeliveryBackend)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, 250*time.Millisecond, cfg.OperationTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"unknown storage", map[string]string{"JWT_SECRET": "s", "STORAGE_BACKEND": "mongo"}},
		{"unknown delivery", map[string]string{"JWT_SECRET": "s", "DELIVERY_BACKEND": "kafka"}},
		{"non numeric port", map[string]string{"JWT_SECRET": "s", "PORT": "http"}},
		{"zero timeout", map[string]string{"JWT_SECRET": "s", "OPERATION_TIMEOUT": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(noEnvFile(t))
			assert.Error(t, err)
		})
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET=from-file\nSTORAGE_BACKEND=memory\n"), 0o600))

	// Variables already in the environment win over the file
	t.Setenv("STORAGE_BACKEND", "badger")
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("JWT_SECRET")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, StorageBadger, cfg.StorageBackend)
}
