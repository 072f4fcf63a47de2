package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHAT_CONTEXT_WINDOW_SIZE", "")
	t.Setenv("SAVE_DEBOUNCE", "")

	cfg := Load()
	require.Equal(t, 20, cfg.ChatContextWindowSize)
	require.Equal(t, 50, cfg.HistoryLimit)
	require.Equal(t, time.Second, cfg.SaveDebounce)
	require.Equal(t, 30*time.Second, cfg.StuckStreamTimeout)
	require.Equal(t, "http://localhost:8003", cfg.LocalLLMURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHAT_CONTEXT_WINDOW_SIZE", "8")
	t.Setenv("SAVE_DEBOUNCE", "250ms")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	require.Equal(t, 8, cfg.ChatContextWindowSize)
	require.Equal(t, 250*time.Millisecond, cfg.SaveDebounce)
	require.Equal(t, 0, cfg.RedisDB)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gravity.toml")
	body := "default_model = \"gpt-4o-mini\"\nhistory_limit = 10\nstuck_stream_timeout = \"5s\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", cfg.DefaultModel)
	require.Equal(t, 10, cfg.HistoryLimit)
	require.Equal(t, 5*time.Second, cfg.StuckStreamTimeout)
	// untouched keys keep env defaults
	require.Equal(t, 20, cfg.ChatContextWindowSize)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
