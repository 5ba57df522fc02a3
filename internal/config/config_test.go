package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ARCLIGHT_ENCRYPTION_KEY", "hex:0000000000000000000000000000000000000000000000000000000000000000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 16, cfg.TaskBatchSize)
	assert.NotEmpty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ARCLIGHT_ENCRYPTION_KEY", "hex:0000000000000000000000000000000000000000000000000000000000000000")
	t.Setenv("ARCLIGHT_PORT", "9999")
	t.Setenv("ARCLIGHT_TASK_POLL_INTERVAL", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.TaskPollInterval)
}

func TestLoadRequiresEncryptionKey(t *testing.T) {
	t.Setenv("ARCLIGHT_ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCLIGHT_ENCRYPTION_KEY")
}

func TestValidateInvokeTimeouts(t *testing.T) {
	cfg := Config{
		DatabaseURL:          "postgres://x",
		EncryptionKey:        "k",
		MaxRequestBodyBytes:  1,
		TaskBatchSize:        1,
		DefaultInvokeTimeout: time.Minute,
		MaxInvokeTimeout:     time.Second,
	}
	assert.Error(t, cfg.Validate())
}
