// Package config loads the parami service configuration from YAML with
// environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/parami/pkg/prefs"
)

// Default configuration values exported for documentation and validation
const (
	DefaultAPIBind          = "127.0.0.1:8510"
	DefaultRemoteTimeout    = 15 * time.Second
	DefaultMinSyncInterval  = 5 * time.Minute
	DefaultNotificationTime = "09:00"
	DefaultPushSubject      = "mailto:admin@parami.app"
	DefaultLogLevel         = "info"
)

// Config represents the complete parami service configuration.
type Config struct {
	Storage       StorageConfig `yaml:"storage"`
	Remote        RemoteConfig  `yaml:"remote"`
	Notifications NotifyConfig  `yaml:"notifications"`
	Push          PushConfig    `yaml:"push"`
	API           APIConfig     `yaml:"api"`
	Bus           BusConfig     `yaml:"bus"`
	Logging       LoggingConfig `yaml:"logging"`
}

// StorageConfig locates the key-value database.
type StorageConfig struct {
	// Path to the sqlite database file. Empty means ~/.parami/parami.db.
	Path string `yaml:"path"`
}

// RemoteConfig describes the content document store.
type RemoteConfig struct {
	// BaseURL of the remote content store. Empty disables remote sync;
	// the service then serves bundled or previously cached content only.
	BaseURL string `yaml:"base_url"`

	Timeout time.Duration `yaml:"timeout"`

	// MinSyncInterval is the floor between background sync attempts.
	MinSyncInterval time.Duration `yaml:"min_sync_interval"`
}

// NotifyConfig seeds the daily reminder defaults for fresh installs.
type NotifyConfig struct {
	Time    string `yaml:"time"`
	Enabled *bool  `yaml:"enabled"`
}

// PushConfig configures Web Push delivery.
type PushConfig struct {
	// Subject is the mailto: or https:// URL used in VAPID claims.
	Subject string `yaml:"subject"`
}

// APIConfig configures the REST listener.
type APIConfig struct {
	Bind string `yaml:"bind"`
}

// BusConfig selects the event bus. An empty URL keeps the in-process
// memory bus.
type BusConfig struct {
	NATSURL string `yaml:"nats_url"`
}

// LoggingConfig controls the JSONL event logs.
type LoggingConfig struct {
	// Dir for events.jsonl and errors.jsonl. Empty means ~/.parami/logs.
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	enabled := true
	return &Config{
		Remote: RemoteConfig{
			Timeout:         DefaultRemoteTimeout,
			MinSyncInterval: DefaultMinSyncInterval,
		},
		Notifications: NotifyConfig{
			Time:    DefaultNotificationTime,
			Enabled: &enabled,
		},
		Push: PushConfig{
			Subject: DefaultPushSubject,
		},
		API: APIConfig{
			Bind: DefaultAPIBind,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load loads configuration from default locations with proper
// precedence: built-in defaults, then ~/.parami/config.yaml, then
// ./.parami/config.yaml, then environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".parami", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".parami", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARAMI_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PARAMI_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("PARAMI_API_BIND"); v != "" {
		cfg.API.Bind = v
	}
	if v := os.Getenv("PARAMI_NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv("PARAMI_PUSH_SUBJECT"); v != "" {
		cfg.Push.Subject = v
	}
	if v := os.Getenv("PARAMI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PARAMI_NOTIFICATION_TIME"); v != "" {
		cfg.Notifications.Time = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Remote.MinSyncInterval < 0 {
		return fmt.Errorf("remote.min_sync_interval must not be negative")
	}
	if c.API.Bind == "" {
		return fmt.Errorf("api.bind must not be empty")
	}
	if _, _, err := prefs.ParseNotificationTime(c.Notifications.Time); err != nil {
		return fmt.Errorf("notifications.time: %w", err)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// DBPath resolves the database file path, defaulting under the user's
// home directory.
func (c *Config) DBPath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".parami", "parami.db"), nil
}

// LogDir resolves the log directory, defaulting under the user's home
// directory.
func (c *Config) LogDir() (string, error) {
	if c.Logging.Dir != "" {
		return c.Logging.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".parami", "logs"), nil
}
