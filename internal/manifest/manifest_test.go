package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	t.Run("nil config is valid", func(t *testing.T) {
		assert.NoError(t, v.ValidateConfig(nil))
	})

	t.Run("empty config is valid", func(t *testing.T) {
		assert.NoError(t, v.ValidateConfig(map[string]any{}))
	})

	t.Run("full config is valid", func(t *testing.T) {
		assert.NoError(t, v.ValidateConfig(map[string]any{
			"entrypoint":         "index.js",
			"compatibility_date": "2026-08-01",
			"memory_mb":          128,
			"cpu_ms":             50,
			"routes":             []any{"example.com/*"},
			"labels":             map[string]any{"env": "prod"},
		}))
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		err := v.ValidateConfig(map[string]any{"unknown": true})
		assert.ErrorContains(t, err, "invalid deploy config")
	})

	t.Run("bad compatibility date rejected", func(t *testing.T) {
		err := v.ValidateConfig(map[string]any{"compatibility_date": "yesterday"})
		assert.Error(t, err)
	})

	t.Run("memory out of range rejected", func(t *testing.T) {
		err := v.ValidateConfig(map[string]any{"memory_mb": 8})
		assert.Error(t, err)
	})
}
