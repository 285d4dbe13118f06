// Package config contains the definition of the gateway configuration and
// the logic to load, persist, and override it from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/pbmcp/pbmcp/pkg/logger"
)

// Config represents the persisted gateway configuration.
type Config struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	AuthMode    string   `json:"authMode"`
	LogLevel    string   `json:"logLevel"`
	CorsOrigins []string `json:"corsOrigins,omitempty"`

	Sandbox   SandboxConfig   `json:"sandbox"`
	RateLimit RateLimitConfig `json:"rateLimit"`
}

// SandboxConfig is the gateway-wide sandbox policy input.
type SandboxConfig struct {
	// Profile is "standard" or "locked-down".
	Profile string `json:"profile"`

	// DefaultNetwork applies when a template's network policy is "inherit".
	DefaultNetwork string `json:"defaultNetwork"`

	// HardenedImage is stamped onto templates forced into container quarantine.
	HardenedImage string `json:"hardenedImage"`

	// AllowedVolumeRoots is the host-path allow-list for container volumes.
	AllowedVolumeRoots []string `json:"allowedVolumeRoots"`

	// EnvSafePrefixes whitelists env keys passed through to backends.
	EnvSafePrefixes []string `json:"envSafePrefixes"`

	// AllowDangerousEnvOverride disables env filtering.
	AllowDangerousEnvOverride bool `json:"allowDangerousEnvOverride,omitempty"`

	// RequiredForUntrusted forces container quarantine for untrusted templates.
	RequiredForUntrusted bool `json:"requiredForUntrusted"`
}

// RateLimitConfig configures request admission.
type RateLimitConfig struct {
	MaxRequests int    `json:"maxRequests"`
	WindowMs    int    `json:"windowMs"`
	RedisURL    string `json:"redisUrl,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:     "127.0.0.1",
		Port:     8155,
		AuthMode: "dual",
		LogLevel: "info",
		Sandbox: SandboxConfig{
			Profile:              "standard",
			DefaultNetwork:       "bridge",
			HardenedImage:        "ghcr.io/pbmcp/sandbox-hardened:latest",
			AllowedVolumeRoots:   []string{"./data"},
			EnvSafePrefixes:      []string{"PBMCP_", "MCP_", "NODE_", "NPM_", "npm_"},
			RequiredForUntrusted: true,
		},
		RateLimit: RateLimitConfig{MaxRequests: 120, WindowMs: 60_000},
	}
}

// Path returns the gateway config file path under the working directory.
func Path() string {
	return filepath.Join("config", "gateway.json")
}

// TemplatesDir returns the directory holding per-template files.
func TemplatesDir() string {
	return filepath.Join("config", "templates")
}

// Load reads the config file at path, falling back to defaults when it does
// not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 -- path is gateway-owned
	switch {
	case os.IsNotExist(err):
		logger.Debugf("No config at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config pretty-printed, taking a timestamped backup of any
// existing file first.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		backup := fmt.Sprintf("%s.backup.%d.json", path, time.Now().UnixMilli())
		if data, readErr := os.ReadFile(path); readErr == nil { // #nosec G304
			if writeErr := os.WriteFile(backup, data, 0600); writeErr != nil {
				logger.Warnf("Failed to write config backup %s: %v", backup, writeErr)
			}
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides binds the PBMCP_* environment variables (and their
// historical PB_GATEWAY_* aliases) over the loaded file.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	bind := func(key string, envs ...string) {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			logger.Warnf("Failed to bind env for %s: %v", key, err)
		}
	}
	bind("host", "PBMCP_HOST", "PB_GATEWAY_HOST")
	bind("port", "PBMCP_PORT", "PB_GATEWAY_PORT")
	bind("authmode", "PBMCP_AUTH_MODE", "PB_GATEWAY_AUTH_MODE")
	bind("loglevel", "PBMCP_LOG_LEVEL", "PB_GATEWAY_LOG_LEVEL")

	if s := v.GetString("host"); s != "" {
		cfg.Host = s
	}
	if p := v.GetInt("port"); p != 0 {
		cfg.Port = p
	}
	if s := v.GetString("authmode"); s != "" {
		cfg.AuthMode = s
	}
	if s := v.GetString("loglevel"); s != "" {
		cfg.LogLevel = s
	}
}
