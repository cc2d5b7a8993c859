package cdphost

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildShim(t *testing.T) {
	t.Run("embedded template", func(t *testing.T) {
		script, err := BuildShim(shimTemplate, DefaultShimConfig())
		require.NoError(t, err)
		assert.NotContains(t, script, ConfigPlaceholder)
		assert.Contains(t, script, `"navBinding":"__sentinelNavigate"`)
		assert.Contains(t, script, `"vitalBinding":"__sentinelVital"`)
		assert.Contains(t, script, "window.history.pushState = function")
		assert.Contains(t, script, "script[data-site-id]")
	})

	t.Run("replaces only the first placeholder", func(t *testing.T) {
		tmpl := "a=" + ConfigPlaceholder + ";b=" + ConfigPlaceholder
		script, err := BuildShim(tmpl, DefaultShimConfig())
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(script, ConfigPlaceholder))
	})

	t.Run("empty template", func(t *testing.T) {
		_, err := BuildShim("", DefaultShimConfig())
		assert.EqualError(t, err, "template is empty")
	})

	t.Run("missing placeholder", func(t *testing.T) {
		_, err := BuildShim("(function(){})()", DefaultShimConfig())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "required placeholder")
	})

	t.Run("missing binding", func(t *testing.T) {
		cfg := DefaultShimConfig()
		cfg.RecordBinding = ""
		_, err := BuildShim(shimTemplate, cfg)
		assert.Error(t, err)
	})
}
