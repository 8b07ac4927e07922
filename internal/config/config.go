package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/crosspost/pkg/logger"
)

const (
	DefaultCooldown        = 4 * time.Second
	DefaultRefreshInterval = 10 * time.Minute
	DefaultSchedulerTick   = 60 * time.Second
	DefaultHeadlessDelay   = 10 * time.Second
	DefaultHealthDebounce  = 150 * time.Millisecond
	DefaultFilesRoot       = "data/uploads"
	DefaultMaxFileBytes    = 50 << 20
)

type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Database     DatabaseConfig      `yaml:"database"`
	Logger       logger.Config       `yaml:"logger"`
	Auth         AuthConfig          `yaml:"auth"`
	Posting      PostingConfig       `yaml:"posting"`
	Health       HealthConfig        `yaml:"health"`
	Destinations []DestinationConfig `yaml:"destinations"`
}

type ServerConfig struct {
	Port      int     `yaml:"port"`
	Host      string  `yaml:"host"`
	Mode      string  `yaml:"mode"`
	CertFile  string  `yaml:"cert_file"`
	KeyFile   string  `yaml:"key_file"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// DatabaseConfig selects the persistence backend. Type "memory" keeps
// everything in process, which is handy for local runs and demos.
type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

type AuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TOTPSecret string `yaml:"totp_secret"`
	SessionTTL string `yaml:"session_ttl"`
}

// PostingConfig seeds the runtime settings. Values changed through the API
// are persisted and win over these on the next start.
type PostingConfig struct {
	StopOnFailure       *bool  `yaml:"stop_on_failure"`
	PostIntervalMinutes int    `yaml:"post_interval_minutes"`
	AutoScheduleCheck   bool   `yaml:"auto_schedule_check"`
	DefaultCooldown     string `yaml:"default_cooldown"`
	SchedulerTick       string `yaml:"scheduler_tick"`
	// Submission files must resolve inside FilesRoot.
	FilesRoot    string `yaml:"files_root"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
}

type HealthConfig struct {
	DefaultRefreshInterval string `yaml:"default_refresh_interval"`
	Debounce               string `yaml:"debounce"`
}

type DestinationConfig struct {
	Name            string            `yaml:"name"`
	Type            string            `yaml:"type"`
	Enabled         *bool             `yaml:"enabled"`
	Cooldown        string            `yaml:"cooldown"`
	RefreshInterval string            `yaml:"refresh_interval"`
	Options         map[string]string `yaml:"options"`
}

func (d DestinationConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5334
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "debug"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 20
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 40
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.TimeZone == "" {
		c.Database.TimeZone = "UTC"
	}
	if c.Auth.SessionTTL == "" {
		c.Auth.SessionTTL = "24h"
	}
	if c.Posting.StopOnFailure == nil {
		stop := true
		c.Posting.StopOnFailure = &stop
	}
	if c.Posting.DefaultCooldown == "" {
		c.Posting.DefaultCooldown = DefaultCooldown.String()
	}
	if c.Posting.SchedulerTick == "" {
		c.Posting.SchedulerTick = DefaultSchedulerTick.String()
	}
	if c.Posting.FilesRoot == "" {
		c.Posting.FilesRoot = DefaultFilesRoot
	}
	if c.Posting.MaxFileBytes == 0 {
		c.Posting.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.Health.DefaultRefreshInterval == "" {
		c.Health.DefaultRefreshInterval = DefaultRefreshInterval.String()
	}
	if c.Health.Debounce == "" {
		c.Health.Debounce = DefaultHealthDebounce.String()
	}
}

// Validate checks everything that would otherwise only fail once a
// destination is first used.
func (c *Config) Validate() error {
	for _, raw := range []struct {
		name  string
		value string
	}{
		{"auth.session_ttl", c.Auth.SessionTTL},
		{"posting.default_cooldown", c.Posting.DefaultCooldown},
		{"posting.scheduler_tick", c.Posting.SchedulerTick},
		{"health.default_refresh_interval", c.Health.DefaultRefreshInterval},
		{"health.debounce", c.Health.Debounce},
	} {
		if _, err := time.ParseDuration(raw.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", raw.name, raw.value, err)
		}
	}
	if c.Posting.MaxFileBytes < 0 {
		return fmt.Errorf("invalid posting.max_file_bytes: %d", c.Posting.MaxFileBytes)
	}
	if c.Posting.PostIntervalMinutes < 0 {
		return fmt.Errorf("invalid posting.post_interval_minutes: %d", c.Posting.PostIntervalMinutes)
	}
	if c.Auth.Enabled && c.Auth.TOTPSecret == "" {
		return fmt.Errorf("auth.totp_secret is required when auth is enabled")
	}

	seen := make(map[string]struct{}, len(c.Destinations))
	for i, d := range c.Destinations {
		if d.Name == "" {
			return fmt.Errorf("destinations[%d]: name is required", i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("destinations[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Type == "" {
			return fmt.Errorf("destination %s: type is required", d.Name)
		}
		if d.Cooldown != "" {
			if _, err := time.ParseDuration(d.Cooldown); err != nil {
				return fmt.Errorf("destination %s: invalid cooldown %q: %w", d.Name, d.Cooldown, err)
			}
		}
		if d.RefreshInterval != "" {
			if _, err := time.ParseDuration(d.RefreshInterval); err != nil {
				return fmt.Errorf("destination %s: invalid refresh_interval %q: %w", d.Name, d.RefreshInterval, err)
			}
		}
	}

	return nil
}

// Duration parses a validated duration field, falling back to def.
func Duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
