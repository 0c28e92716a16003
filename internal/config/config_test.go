package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "openai", cfg.AIProvider)
	require.True(t, cfg.Pipeline.Enabled)
	require.Equal(t, 4, cfg.Pipeline.Workers)
	require.Equal(t, 5*time.Second, cfg.Pipeline.PollInterval)
	require.Equal(t, 120*time.Second, cfg.Pipeline.GradingTimeout)
	require.Equal(t, 300*time.Second, cfg.Pipeline.CloseExpiredInterval)
	require.Equal(t, 300*time.Second, cfg.Pipeline.CompletedExamsInterval)
	require.Equal(t, time.Hour, cfg.Pipeline.RetryFailedInterval)
	require.Equal(t, 3, cfg.Pipeline.MaxRetries)
	require.Equal(t, 15*time.Minute, cfg.Pipeline.StuckAfter)
	require.Equal(t, 10*time.Minute, cfg.Pipeline.RetryAfter)
	require.False(t, cfg.CloudinaryEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_APP_PORT", ":9090")
	t.Setenv("GEMA_PIPELINE_WORKERS", "8")
	t.Setenv("GEMA_PIPELINE_POLL_INTERVAL", "750ms")
	t.Setenv("GEMA_AI_PROVIDER", "Anthropic")
	t.Setenv("GEMA_CLOUDINARY_CLOUD_NAME", "demo")
	t.Setenv("GEMA_CLOUDINARY_API_KEY", "key")
	t.Setenv("GEMA_CLOUDINARY_API_SECRET", "shh")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, 8, cfg.Pipeline.Workers)
	require.Equal(t, 750*time.Millisecond, cfg.Pipeline.PollInterval)
	require.Equal(t, "anthropic", cfg.AIProvider)
	require.True(t, cfg.CloudinaryEnabled())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_PIPELINE_STUCK_AFTER", "soon")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("GEMA_PIPELINE_STUCK_AFTER", "15m")
	t.Setenv("GEMA_AI_PROVIDER", "markov")
	_, err = Load()
	require.Error(t, err)
}
