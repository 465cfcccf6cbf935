package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Version    int              `toml:"version"`
	Repository RepositoryConfig `toml:"repository"`
	Admins     []string         `toml:"admins"`
	Feed       FeedConfig       `toml:"feed"`
	Videos     VideosConfig     `toml:"videos"`
	Listing    ListingConfig    `toml:"listing"`
	Cache      CacheConfig      `toml:"cache"`
	HTTP       HTTPConfig       `toml:"http"`
	Logging    LoggingConfig    `toml:"logging"`
}

type RepositoryConfig struct {
	Owner  string `toml:"owner"`
	Name   string `toml:"name"`
	APIURL string `toml:"api_url"`
	// Token is only read as a bootstrap credential; the auth manager persists its own copy.
	Token string `toml:"token"`
}

type FeedConfig struct {
	Labels               []string        `toml:"labels"`
	AllowedAuthors       []string        `toml:"allowed_authors"`
	DisplayCount         int             `toml:"display_count"`
	RetryCooldownSeconds int             `toml:"retry_cooldown_seconds"`
	RefreshIntervalMins  int             `toml:"refresh_interval_minutes"`
	Channels             []ChannelConfig `toml:"channels"`
}

type ChannelConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

type VideosConfig struct {
	PrimaryProxy string `toml:"primary_proxy"`
	FallbackAPI  string `toml:"fallback_api"`
}

type ListingConfig struct {
	PageSize int `toml:"page_size"`
	// FeedbackScopes are collections where any logged-in user may open posts.
	FeedbackScopes []string `toml:"feedback_scopes"`
}

type CacheConfig struct {
	TTLMinutes           int `toml:"ttl_minutes"`
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"`
}

type HTTPConfig struct {
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

type LoggingConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Version: 1,
		Repository: RepositoryConfig{
			APIURL: "https://api.github.com",
		},
		Admins: []string{},
		Feed: FeedConfig{
			Labels:               []string{"news"},
			AllowedAuthors:       []string{},
			DisplayCount:         6,
			RetryCooldownSeconds: 60,
			RefreshIntervalMins:  15,
			Channels:             []ChannelConfig{},
		},
		Videos: VideosConfig{
			PrimaryProxy: "https://api.allorigins.win/raw?url=",
			FallbackAPI:  "https://api.rss2json.com/v1/api.json?rss_url=",
		},
		Listing: ListingConfig{
			PageSize:       10,
			FeedbackScopes: []string{"feedback"},
		},
		Cache: CacheConfig{
			TTLMinutes:           10,
			SweepIntervalMinutes: 5,
		},
		HTTP: HTTPConfig{
			TimeoutSeconds:    10,
			RequestsPerSecond: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// CacheTTL returns the cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}

// RetryCooldown returns the minimum interval between manual feed retries.
func (c *Config) RetryCooldown() time.Duration {
	return time.Duration(c.Feed.RetryCooldownSeconds) * time.Second
}

// HTTPTimeout returns the abort-after duration for a single remote call.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// IsFeedbackScope reports whether scope accepts posts from any logged-in user.
func (c *Config) IsFeedbackScope(scope string) bool {
	for _, s := range c.Listing.FeedbackScopes {
		if strings.EqualFold(s, scope) {
			return true
		}
	}
	return false
}

// ConfigDir returns the platform-appropriate config directory
func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "studiofeed"), nil
}

// ConfigPath returns the full path to the config file
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// CacheDir returns the platform-appropriate cache directory
func CacheDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "studiofeed"), nil
}

// DatabasePath returns the path of the durable key/value database
func DatabasePath() (string, error) {
	dir, err := CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// Load reads config from disk and applies environment overrides
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads config from path. Unset keys keep their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from the environment, loading a .env file first when present.
func (c *Config) ApplyEnv() {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	if v := os.Getenv("STUDIOFEED_TOKEN"); v != "" {
		c.Repository.Token = v
	}
	if v := os.Getenv("STUDIOFEED_OWNER"); v != "" {
		c.Repository.Owner = v
	}
	if v := os.Getenv("STUDIOFEED_REPO"); v != "" {
		c.Repository.Name = v
	}
	if v := os.Getenv("STUDIOFEED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Save writes config to disk
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveFile(path)
}

// SaveFile writes config to path, creating parent directories.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}
