// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "0.0.0.0:7888", cfg.Server.ListenAddr)
	assert.Equal(t, "./trace_data", cfg.Trace.Dir)
	assert.Equal(t, 50, cfg.Session.DefaultMaxSteps)
	assert.Equal(t, 3, cfg.Session.GroundRetryLimit)
	assert.Equal(t, 3, cfg.Session.VerifyFailureThreshold)
	assert.Equal(t, time.Second, cfg.Session.StepPacing)
	assert.Equal(t, ProviderHTTP, cfg.Grounding.Provider)
	assert.Equal(t, "http://127.0.0.1:7887", cfg.Grounding.Endpoint)
	assert.True(t, cfg.Screen.Humanoid.Enabled)

	assert.NoError(t, cfg.Validate())
}

func TestNewConfigFromViper(t *testing.T) {
	t.Run("overrides and env binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("session.default_max_steps", 7)
		v.Set("grounding.endpoint", "http://inference.local:9000")
		t.Setenv("RETRACE_GROUNDING_API_KEY", "sekrit")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Session.DefaultMaxSteps)
		assert.Equal(t, "http://inference.local:9000", cfg.Grounding.Endpoint)
		assert.Equal(t, "sekrit", cfg.Grounding.APIKey)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		cases := map[string]interface{}{
			"session.default_max_steps":        0,
			"session.ground_retry_limit":       -1,
			"session.verify_failure_threshold": -2,
			"grounding.request_timeout":        "0s",
			"grounding.history_window":         -1,
			"grounding.provider":               "telepathy",
		}
		for key, val := range cases {
			v := viper.New()
			SetDefaults(v)
			v.Set(key, val)
			_, err := NewConfigFromViper(v)
			assert.Error(t, err, "expected %s=%v to be rejected", key, val)
		}
	})

	t.Run("gemini provider requires a model", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("grounding.provider", "gemini")
		v.Set("grounding.model", "")
		_, err := NewConfigFromViper(v)
		assert.Error(t, err)

		v.Set("grounding.model", "gemini-2.5-flash")
		_, err = NewConfigFromViper(v)
		assert.NoError(t, err)
	})

	t.Run("http provider requires an endpoint", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("grounding.endpoint", "")
		_, err := NewConfigFromViper(v)
		assert.Error(t, err)
	})
}

func TestHumanoidConfigValidate(t *testing.T) {
	t.Run("disabled settings are not checked", func(t *testing.T) {
		h := HumanoidConfig{Enabled: false, FittsA: -1}
		assert.NoError(t, h.Validate())
	})

	t.Run("negative coefficients are rejected", func(t *testing.T) {
		h := HumanoidConfig{Enabled: true, FittsA: -1, FittsB: 110}
		assert.Error(t, h.Validate())
	})

	t.Run("inverted click hold bounds are rejected", func(t *testing.T) {
		h := HumanoidConfig{Enabled: true, ClickHoldMinMs: 100, ClickHoldMaxMs: 50}
		assert.Error(t, h.Validate())
	})
}
