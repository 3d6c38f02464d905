package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/config"
)

func TestNewBackend(t *testing.T) {
	logger := zap.NewNop()

	t.Run("fake", func(t *testing.T) {
		cfg, err := config.Load("")
		require.NoError(t, err)
		cfg.Backend.Provider = "fake"

		be, err := newBackend(cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, "fake", be.Identity())
	})

	t.Run("anthropic without key", func(t *testing.T) {
		cfg, err := config.Load("")
		require.NoError(t, err)
		cfg.Backend.APIKeyEnv = "FLOWD_TEST_MISSING_KEY"

		_, err = newBackend(cfg, logger)
		assert.ErrorContains(t, err, "FLOWD_TEST_MISSING_KEY")
	})

	t.Run("anthropic with key", func(t *testing.T) {
		cfg, err := config.Load("")
		require.NoError(t, err)
		cfg.Backend.APIKeyEnv = "FLOWD_TEST_API_KEY"
		t.Setenv("FLOWD_TEST_API_KEY", "sk-test")

		be, err := newBackend(cfg, logger)
		require.NoError(t, err)
		assert.NotEmpty(t, be.Identity())
	})
}

func TestNewCheckpointStore(t *testing.T) {
	logger := zap.NewNop()

	t.Run("memory", func(t *testing.T) {
		cfg, err := config.Load("")
		require.NoError(t, err)

		store, err := newCheckpointStore(context.Background(), cfg, logger)
		require.NoError(t, err)
		assert.NoError(t, store.Close())
	})

	t.Run("file", func(t *testing.T) {
		cfg, err := config.Load("")
		require.NoError(t, err)
		cfg.Checkpoint.Store = "file"
		cfg.Checkpoint.Dir = t.TempDir()

		store, err := newCheckpointStore(context.Background(), cfg, logger)
		require.NoError(t, err)
		assert.NoError(t, store.Close())
	})
}

func TestValidationTools(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Empty(t, validationTools(cfg))

	cfg.Validation.Rules = []config.RuleConfig{
		{Name: "no-todo", Pattern: `TODO`, Forbid: true, Message: "unfinished work"},
	}
	cfg.Validation.Tools = []config.ToolConfig{
		{Name: "lint", Command: "true"},
	}

	tools := validationTools(cfg)
	require.Len(t, tools, 2)
	assert.Equal(t, "rules", tools[0].Name())
	assert.Equal(t, "lint", tools[1].Name())
}
