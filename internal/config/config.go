// Package config provides configuration loading and defaults for the plexcord daemon.
//
// Configuration is loaded from a TOML file in the user's data directory.
// The package handles Discord presence settings, Plex server connection
// details, privacy controls, and daemon behavior with sensible defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/plexcord/internal/paths"
)

// DefaultDiscordAppID is the official plexcord Discord application ID.
const DefaultDiscordAppID = "1464540148707496009"

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Discord holds Discord connection settings.
	Discord DiscordConfig `toml:"discord"`
	// Plex holds Plex Media Server connection settings.
	Plex PlexConfig `toml:"plex"`
	// Behavior holds timing and reconnect settings.
	Behavior BehaviorConfig `toml:"behavior"`
	// Privacy holds presence suppression settings.
	Privacy PrivacyConfig `toml:"privacy"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// DiscordConfig holds Discord connection settings.
type DiscordConfig struct {
	// AppID is the Discord application ID for Rich Presence.
	AppID string `toml:"app_id"`
}

// PlexConfig holds Plex Media Server connection settings.
type PlexConfig struct {
	// ServerAddress is the host or IP of the Plex Media Server.
	ServerAddress string `toml:"server_address"`
	// ServerPort is the HTTP port of the Plex Media Server.
	ServerPort int `toml:"server_port"`
	// AuthToken is the X-Plex-Token used for all server requests.
	AuthToken string `toml:"auth_token"`
	// Username is the Plex account whose playback is mirrored.
	Username string `toml:"username"`
	// Owned selects the session source: owned servers are polled via
	// /status/sessions, shared servers use the notification websocket.
	Owned bool `toml:"owned"`
	// ReportIdle shows an "Idle" presence instead of clearing when playback stops.
	ReportIdle bool `toml:"report_idle"`
}

// BehaviorConfig holds timing and reconnect settings.
type BehaviorConfig struct {
	// PollIntervalMS is the session poll interval for owned servers.
	PollIntervalMS int `toml:"poll_interval_ms"`
	// DriftToleranceMS is the maximum playback-position drift before a
	// presence update is forced.
	DriftToleranceMS int `toml:"drift_tolerance_ms"`
	// IdleGraceMS is the grace period before an idle observation clears
	// the presence.
	IdleGraceMS int `toml:"idle_grace_ms"`
	// ReconnectInitialSeconds is the initial reconnect backoff.
	ReconnectInitialSeconds int `toml:"reconnect_initial_seconds"`
	// ReconnectMaxSeconds caps the reconnect backoff.
	ReconnectMaxSeconds int `toml:"reconnect_max_seconds"`
}

// PrivacyConfig holds presence suppression settings.
type PrivacyConfig struct {
	// Ignore is a list of glob patterns matched against media titles.
	// Sessions whose title or show/artist name matches are not published.
	Ignore []string `toml:"ignore"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			AppID: DefaultDiscordAppID,
		},
		Plex: PlexConfig{
			ServerPort: 32400,
			Owned:      true,
			ReportIdle: false,
		},
		Behavior: BehaviorConfig{
			PollIntervalMS:          1000,
			DriftToleranceMS:        5000,
			IdleGraceMS:             3000,
			ReconnectInitialSeconds: 1,
			ReconnectMaxSeconds:     30,
		},
		Privacy: PrivacyConfig{
			Ignore: []string{},
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ///////////////////////////////////////////////
// Loading
// ///////////////////////////////////////////////

// Load reads and parses the configuration file from dataDir/config.toml.
// If the file doesn't exist, returns DefaultConfig.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Discord.AppID == "" {
		return fmt.Errorf("discord.app_id must not be empty")
	}

	if c.Plex.ServerAddress == "" {
		return fmt.Errorf("plex.server_address must be set")
	}

	if c.Plex.ServerPort <= 0 || c.Plex.ServerPort > 65535 {
		return fmt.Errorf("plex.server_port must be 1-65535, got %d", c.Plex.ServerPort)
	}

	if c.Plex.AuthToken == "" {
		return fmt.Errorf("plex.auth_token must be set")
	}

	if c.Plex.Username == "" {
		return fmt.Errorf("plex.username must be set")
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}

	if c.Behavior.PollIntervalMS <= 0 {
		return fmt.Errorf("poll_interval_ms must be > 0, got %d", c.Behavior.PollIntervalMS)
	}

	if c.Behavior.DriftToleranceMS < 0 {
		return fmt.Errorf("drift_tolerance_ms must be >= 0, got %d", c.Behavior.DriftToleranceMS)
	}

	if c.Behavior.IdleGraceMS < 0 {
		return fmt.Errorf("idle_grace_ms must be >= 0, got %d", c.Behavior.IdleGraceMS)
	}

	if c.Behavior.ReconnectInitialSeconds <= 0 {
		return fmt.Errorf("reconnect_initial_seconds must be > 0, got %d", c.Behavior.ReconnectInitialSeconds)
	}

	if c.Behavior.ReconnectMaxSeconds < c.Behavior.ReconnectInitialSeconds {
		return fmt.Errorf("reconnect_max_seconds must be >= reconnect_initial_seconds, got %d", c.Behavior.ReconnectMaxSeconds)
	}

	for _, pattern := range c.Privacy.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid privacy.ignore pattern %q", pattern)
		}
	}

	return nil
}

// ///////////////////////////////////////////////
// URL Helpers
// ///////////////////////////////////////////////

// ServerURL returns the base HTTP URL of the configured Plex server. The
// notification listener derives its websocket URL from this.
func (c *Config) ServerURL() string {
	return fmt.Sprintf("http://%s:%d", c.Plex.ServerAddress, c.Plex.ServerPort)
}

// ///////////////////////////////////////////////
// Privacy Helpers
// ///////////////////////////////////////////////

// IsIgnored reports whether any of the given title strings matches one of the
// configured ignore patterns. Callers pass the media title and its show or
// artist name; a match on either suppresses the presence.
func (c *Config) IsIgnored(titles ...string) bool {
	for _, pattern := range c.Privacy.Ignore {
		for _, title := range titles {
			if title == "" {
				continue
			}
			matched, err := doublestar.Match(pattern, title)
			if err != nil {
				slog.Warn("invalid glob pattern", "pattern", pattern, "error", err)
				continue
			}
			if matched {
				return true
			}
		}
	}
	return false
}
