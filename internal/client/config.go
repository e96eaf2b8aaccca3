package client

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"vttsync/internal/feed"
	"vttsync/internal/tabletop"
	"vttsync/internal/writeback"
)

// ConfigEnv names the environment variable pointing at a config file.
const ConfigEnv = "VTTSYNC_CONFIG"

// Config is the client configuration file.
type Config struct {
	Server struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"server"`
	User struct {
		ID   string `yaml:"id"`
		Role string `yaml:"role"`
	} `yaml:"user"`
	Session struct {
		CampaignID string `yaml:"campaign_id"`
		MapID      string `yaml:"map_id"`
	} `yaml:"session"`
	Write  writeback.Policy  `yaml:"write"`
	Feed   feed.Options      `yaml:"feed"`
	Tracks map[string]string `yaml:"tracks"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.URL = "http://localhost:8080"
	cfg.User.Role = string(tabletop.RolePlayer)
	cfg.Write = writeback.DefaultPolicy()
	cfg.Tracks = map[string]string{}
	return cfg
}

// Identity is the configured user.
func (c Config) Identity() tabletop.Identity {
	return tabletop.Identity{
		UserID: c.User.ID,
		IsDM:   tabletop.ParseRole(strings.ToLower(c.User.Role)) == tabletop.RoleDM,
	}
}

// LoadConfig reads the file named by VTTSYNC_CONFIG, or the first existing
// candidate path, and overlays its non-empty values on the defaults. It
// returns the path it read, empty when none was found.
func LoadConfig() (cfg Config, path string, err error) {
	if envPath := strings.TrimSpace(os.Getenv(ConfigEnv)); envPath != "" {
		return LoadConfigFile(envPath)
	}
	for _, p := range candidateConfigPaths() {
		cfg, path, err = LoadConfigFile(p)
		if err != nil || path != "" {
			return cfg, path, err
		}
	}
	return DefaultConfig(), "", nil
}

// LoadConfigFile overlays the file at path on the defaults. A missing file
// yields the defaults and an empty path.
func LoadConfigFile(path string) (Config, string, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, "", nil
		}
		return cfg, path, err
	}
	var raw Config
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return cfg, path, err
	}
	overlay(&cfg, raw)
	return cfg, path, nil
}

func overlay(cfg *Config, raw Config) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.URL, raw.Server.URL)
	set(&cfg.Server.Token, raw.Server.Token)
	set(&cfg.User.ID, raw.User.ID)
	set(&cfg.User.Role, raw.User.Role)
	set(&cfg.Session.CampaignID, raw.Session.CampaignID)
	set(&cfg.Session.MapID, raw.Session.MapID)

	if raw.Write.MaxAttempts > 0 {
		cfg.Write.MaxAttempts = raw.Write.MaxAttempts
	}
	if raw.Write.InitialInterval > 0 {
		cfg.Write.InitialInterval = raw.Write.InitialInterval
	}
	if raw.Write.MaxInterval > 0 {
		cfg.Write.MaxInterval = raw.Write.MaxInterval
	}
	if raw.Feed.InitialBackoff > 0 {
		cfg.Feed.InitialBackoff = raw.Feed.InitialBackoff
	}
	if raw.Feed.MaxBackoff > 0 {
		cfg.Feed.MaxBackoff = raw.Feed.MaxBackoff
	}
	if raw.Feed.StablePeriod > 0 {
		cfg.Feed.StablePeriod = raw.Feed.StablePeriod
	}
	for id, url := range raw.Tracks {
		if url = strings.TrimSpace(url); url != "" {
			cfg.Tracks[id] = url
		}
	}
}

func candidateConfigPaths() []string {
	out := []string{"vttsync.yaml"}
	if base, err := os.UserConfigDir(); err == nil {
		out = append(out, filepath.Join(base, "vttsync", "vttsync.yaml"))
	}
	return out
}
