// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for kernelchat.
//
// Configuration comes from TOML, with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.kernelchat/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete kernelchat configuration.
type Config struct {
	// Server settings
	Server ServerConfig `toml:"server"`

	// Realtime channel settings
	Realtime RealtimeConfig `toml:"realtime"`

	// UI settings
	UI UIConfig `toml:"ui"`
}

// ServerConfig contains backend endpoint and credential settings.
type ServerConfig struct {
	// BaseURL is the HTTP base URL of the kernel backend
	BaseURL string `toml:"base_url"`
	// WebsocketURL is the realtime endpoint; derived from BaseURL when empty
	WebsocketURL string `toml:"websocket_url"`
	// Token is the bearer credential. Acquisition is external; kernelchat
	// only carries it.
	Token string `toml:"token"`
	// UserID identifies this client to the backend
	UserID string `toml:"user_id"`
}

// RealtimeConfig contains notification channel settings.
type RealtimeConfig struct {
	// ConnectTimeoutSecs bounds the websocket handshake
	ConnectTimeoutSecs int `toml:"connect_timeout_secs"`
	// MaxReconnectAttempts bounds one reconnect cycle
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
	// PingIntervalSecs is the keepalive cadence while connected
	PingIntervalSecs int `toml:"ping_interval_secs"`
}

// UIConfig contains UI settings.
type UIConfig struct {
	// ShowCost displays cost information in the status bar
	ShowCost bool `toml:"show_cost"`
	// ShowTokens displays token counts next to assistant replies
	ShowTokens bool `toml:"show_tokens"`
	// CompactMode uses a more compact layout
	CompactMode bool `toml:"compact_mode"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
		},
		Realtime: RealtimeConfig{
			ConnectTimeoutSecs:   10,
			MaxReconnectAttempts: 5,
			PingIntervalSecs:     30,
		},
		UI: UIConfig{
			ShowCost:   true,
			ShowTokens: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the kernelchat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".kernelchat"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file, falling back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		cfg.SetDefaults()
		return cfg, cfg.Validate()
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file. The file is created
// with 0600 permissions; it carries the bearer credential.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# kernelchat configuration file")
	fmt.Fprintln(file, "# Generated by kernelchat - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// DEFAULTS AND VALIDATION
// =============================================================================

// SetDefaults fills in missing or zero-value fields, including deriving the
// websocket URL from the HTTP base URL.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Server.BaseURL == "" {
		c.Server.BaseURL = defaults.Server.BaseURL
	}
	if c.Server.WebsocketURL == "" {
		c.Server.WebsocketURL = deriveWebsocketURL(c.Server.BaseURL)
	}
	if c.Realtime.ConnectTimeoutSecs == 0 {
		c.Realtime.ConnectTimeoutSecs = defaults.Realtime.ConnectTimeoutSecs
	}
	if c.Realtime.MaxReconnectAttempts == 0 {
		c.Realtime.MaxReconnectAttempts = defaults.Realtime.MaxReconnectAttempts
	}
	if c.Realtime.PingIntervalSecs == 0 {
		c.Realtime.PingIntervalSecs = defaults.Realtime.PingIntervalSecs
	}
}

// deriveWebsocketURL maps an http(s) base URL to the backend's websocket
// endpoint.
func deriveWebsocketURL(baseURL string) string {
	ws := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws"
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if u, err := url.Parse(c.Server.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, ValidationError{
			Field:   "server.base_url",
			Message: fmt.Sprintf("must be an http(s) URL, got %q", c.Server.BaseURL),
		})
	}
	if c.Server.WebsocketURL != "" {
		if u, err := url.Parse(c.Server.WebsocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, ValidationError{
				Field:   "server.websocket_url",
				Message: fmt.Sprintf("must be a ws(s) URL, got %q", c.Server.WebsocketURL),
			})
		}
	}
	if c.Realtime.ConnectTimeoutSecs < 1 || c.Realtime.ConnectTimeoutSecs > 120 {
		errs = append(errs, ValidationError{
			Field:   "realtime.connect_timeout_secs",
			Message: fmt.Sprintf("must be 1-120, got %d", c.Realtime.ConnectTimeoutSecs),
		})
	}
	if c.Realtime.MaxReconnectAttempts < 1 || c.Realtime.MaxReconnectAttempts > 100 {
		errs = append(errs, ValidationError{
			Field:   "realtime.max_reconnect_attempts",
			Message: fmt.Sprintf("must be 1-100, got %d", c.Realtime.MaxReconnectAttempts),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - KERNELCHAT_API_URL: overrides server.base_url
//   - KERNELCHAT_WS_URL: overrides server.websocket_url
//   - KERNELCHAT_TOKEN: overrides server.token
//   - KERNELCHAT_USER_ID: overrides server.user_id
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KERNELCHAT_API_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("KERNELCHAT_WS_URL"); v != "" {
		c.Server.WebsocketURL = v
	}
	if v := os.Getenv("KERNELCHAT_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("KERNELCHAT_USER_ID"); v != "" {
		c.Server.UserID = v
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Redacted returns a copy with the credential blanked for logging.
func (c *Config) Redacted() Config {
	safe := *c
	if safe.Server.Token != "" {
		safe.Server.Token = "[REDACTED]"
	}
	return safe
}
