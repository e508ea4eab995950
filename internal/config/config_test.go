package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ANALYSIS_WS_URL", "ws://localhost:8080/ws/nutrition/stream")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.Stream.IdleTimeout)
	assert.False(t, cfg.Stream.ReconnectEnabled)
	assert.Empty(t, cfg.Speech.Provider)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ANALYSIS_WS_URL", "wss://analysis.example.com/ws/nutrition/stream")
	t.Setenv("STREAM_IDLE_TIMEOUT", "45")
	t.Setenv("STREAM_RECONNECT_ENABLED", "yes")
	t.Setenv("STREAM_RECONNECT_INITIAL_INTERVAL", "250ms")
	t.Setenv("TTS_PROVIDER", "local")
	t.Setenv("TTS_BASE_URL", "http://tts:5000")
	t.Setenv("FRONTEND_URL", "https://amobagan.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Stream.IdleTimeout)
	assert.True(t, cfg.Stream.ReconnectEnabled)
	assert.False(t, cfg.IsDevelopment())

	cc := cfg.Stream.ClientConfig()
	assert.Equal(t, "wss://analysis.example.com/ws/nutrition/stream", cc.URL)
	assert.True(t, cc.Reconnect.Enabled)
	assert.Equal(t, 250*time.Millisecond, cc.Reconnect.InitialInterval)
	assert.Equal(t, uint64(5), cc.Reconnect.MaxAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "http analysis url", env: map[string]string{"ANALYSIS_WS_URL": "http://localhost:8080"}},
		{name: "elevenlabs without key", env: map[string]string{"TTS_PROVIDER": "elevenlabs", "TTS_API_KEY": ""}},
		{name: "unknown provider", env: map[string]string{"TTS_PROVIDER": "espeak"}},
		{name: "zero rate limit", env: map[string]string{"RATE_LIMIT_PER_MINUTE": "0"}},
		{name: "empty port", env: map[string]string{"PORT": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
