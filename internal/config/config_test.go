package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "VITE_CHAT_TRANSPORT", "VITE_API_BASE", "VITE_RASA_HTTP", "VITE_CHAT_REST_URL", "VITE_RASA_WS_URL", "VITE_RASA_WS", "BRIDGE_ALLOWED_ORIGINS", "VOICE_MAX_BYTES", "REDIS_URL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ModeREST, cfg.Transport.Mode)
	assert.Equal(t, "http://localhost:5005/webhooks/rest/webhook", cfg.Transport.RESTURL)
	assert.Equal(t, "http://localhost:5005/ws", cfg.Transport.WSURL)
	assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
	assert.False(t, cfg.Transport.Reconnect)
	assert.Empty(t, cfg.Bridge.AllowedOrigins)
	assert.Equal(t, DefaultVoiceMaxBytes, cfg.Voice.MaxBytes)
	assert.Empty(t, cfg.Session.RedisAddr())
}

func TestLoadAPIBaseWins(t *testing.T) {
	t.Setenv("VITE_CHAT_REST_URL", "")
	t.Setenv("VITE_API_BASE", "https://api.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/api/chat", cfg.Transport.RESTURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"transport": {"VITE_CHAT_TRANSPORT", "carrier-pigeon"},
		"port":      {"PORT", "80 80"},
		"voice":     {"VOICE_MAX_BYTES", "-1"},
		"reconnect": {"WS_RECONNECT", "maybe"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestAllowedOriginsList(t *testing.T) {
	t.Setenv("BRIDGE_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Bridge.AllowedOrigins)
}

func TestRedisAddr(t *testing.T) {
	assert.Equal(t, "cache:6379", SessionConfig{RedisURL: "redis://cache:6379/0"}.RedisAddr())
	assert.Equal(t, "localhost:6379", SessionConfig{RedisURL: "localhost:6379"}.RedisAddr())
}

func TestAIEnabled(t *testing.T) {
	assert.False(t, AIConfig{}.Enabled())
	assert.False(t, AIConfig{APIKey: "k"}.Enabled())
	assert.True(t, AIConfig{APIKey: "k", Model: "m"}.Enabled())
	assert.True(t, AIConfig{AccessKey: "a", SecretKey: "s", Model: "m"}.Enabled())
}

func TestTransportExplicit(t *testing.T) {
	for _, key := range []string{"VITE_CHAT_TRANSPORT", "VITE_API_BASE", "VITE_RASA_HTTP", "VITE_CHAT_REST_URL", "VITE_RASA_WS_URL", "VITE_RASA_WS"} {
		t.Setenv(key, "")
	}
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Transport.Explicit)

	t.Setenv("VITE_RASA_HTTP", "http://rasa:5005")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.Transport.Explicit)
	assert.Equal(t, "http://rasa:5005/ws", cfg.Transport.WSURL)
}
