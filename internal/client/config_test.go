package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vttsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
server:
  url: "  https://vtt.example.com  "
user:
  id: alice
  role: DM
session:
  campaign_id: c1
  map_id: m1
write:
  max_attempts: 5
feed:
  initial_backoff: 500ms
tracks:
  tavern: https://cdn.example.com/tavern.ogg
  empty: "   "
`)
	t.Setenv(ConfigEnv, path)

	cfg, got, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, "https://vtt.example.com", cfg.Server.URL)
	assert.Equal(t, "c1", cfg.Session.CampaignID)
	assert.Equal(t, "m1", cfg.Session.MapID)
	assert.Equal(t, uint(5), cfg.Write.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Write.InitialInterval, "unset values keep defaults")
	assert.Equal(t, 500*time.Millisecond, cfg.Feed.InitialBackoff)
	assert.Equal(t, map[string]string{"tavern": "https://cdn.example.com/tavern.ogg"}, cfg.Tracks)

	id := cfg.Identity()
	assert.Equal(t, "alice", id.UserID)
	assert.True(t, id.IsDM)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(ConfigEnv, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, path, err := LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, DefaultConfig().Server.URL, cfg.Server.URL)
	assert.False(t, cfg.Identity().IsDM)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	_, got, err := LoadConfigFile(path)
	require.Error(t, err)
	assert.Equal(t, path, got)
}
