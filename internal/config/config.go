// Package config loads the gateway's settings from layered JSON files and
// environment overrides. Precedence, lowest to highest: built-in defaults,
// the global file under the user config dir, the project-local file, then
// KIRO_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	configDirName  = "opencode"
	configFileName = "kiro.json"
	projectDirName = ".opencode"
	envPrefix      = "KIRO_"
)

// Config is the full settings surface. JSON files may carry any subset;
// absent keys keep the value from the layer below.
type Config struct {
	// ProactiveTokenRefresh enables the background refresh loop.
	ProactiveTokenRefresh *bool `json:"proactive_token_refresh,omitempty"`

	// TokenRefreshIntervalSeconds is the sweep period of the refresh loop.
	TokenRefreshIntervalSeconds int `json:"token_refresh_interval_seconds,omitempty"`

	// TokenRefreshBufferSeconds refreshes tokens this close to expiry.
	TokenRefreshBufferSeconds int `json:"token_refresh_buffer_seconds,omitempty"`

	// AccountSelectionStrategy is sticky, round-robin, or lowest-usage.
	AccountSelectionStrategy string `json:"account_selection_strategy,omitempty"`

	// DefaultRegion is used when an account carries no region.
	DefaultRegion string `json:"default_region,omitempty"`

	// ProxyURL routes all upstream traffic through an http, https, or
	// socks5 proxy. Empty means direct.
	ProxyURL string `json:"proxy_url,omitempty"`

	RateLimitMaxRetries   int `json:"rate_limit_max_retries,omitempty"`
	RateLimitRetryDelayMs int `json:"rate_limit_retry_delay_ms,omitempty"`
	RequestTimeoutMs      int `json:"request_timeout_ms,omitempty"`

	// ThinkingBudgetTokens is the max_thinking_length sent with thinking
	// models.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`

	UsageTrackingEnabled *bool `json:"usage_tracking_enabled,omitempty"`

	Debug *bool `json:"debug,omitempty"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ProactiveTokenRefresh:       boolPtr(true),
		TokenRefreshIntervalSeconds: 300,
		TokenRefreshBufferSeconds:   600,
		AccountSelectionStrategy:    "sticky",
		DefaultRegion:               "us-east-1",
		RateLimitMaxRetries:         3,
		RateLimitRetryDelayMs:       5000,
		RequestTimeoutMs:            120000,
		ThinkingBudgetTokens:        20000,
		UsageTrackingEnabled:        boolPtr(true),
		Debug:                       boolPtr(false),
	}
}

// GlobalPath is the user-level config file location.
func GlobalPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configDirName, configFileName), nil
}

// ProjectPath is the project-local config file location, or empty when no
// project dir was given.
func ProjectPath(projectDir string) string {
	if projectDir == "" {
		return ""
	}
	return filepath.Join(projectDir, projectDirName, configFileName)
}

// Load builds the effective config from all layers. Missing files are fine;
// a malformed file is an error rather than a silent fallback.
func Load(projectDir string) (*Config, error) {
	cfg := Default()

	globalPath, err := GlobalPath()
	if err == nil {
		if err := mergeFile(cfg, globalPath); err != nil {
			return nil, err
		}
	}
	if p := ProjectPath(projectDir); p != "" {
		if err := mergeFile(cfg, p); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg, os.Getenv)
	cfg.normalize()
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	log.Debugf("config: merged %s", path)
	return nil
}

// applyEnv overrides from KIRO_* variables named after the upper-cased JSON
// keys, e.g. KIRO_RATE_LIMIT_MAX_RETRIES.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(envPrefix + "PROACTIVE_TOKEN_REFRESH"); v != "" {
		cfg.ProactiveTokenRefresh = boolPtr(parseBool(v))
	}
	if n, ok := envInt(getenv, "TOKEN_REFRESH_INTERVAL_SECONDS"); ok {
		cfg.TokenRefreshIntervalSeconds = n
	}
	if n, ok := envInt(getenv, "TOKEN_REFRESH_BUFFER_SECONDS"); ok {
		cfg.TokenRefreshBufferSeconds = n
	}
	if v := getenv(envPrefix + "ACCOUNT_SELECTION_STRATEGY"); v != "" {
		cfg.AccountSelectionStrategy = v
	}
	if v := getenv(envPrefix + "DEFAULT_REGION"); v != "" {
		cfg.DefaultRegion = v
	}
	if v := getenv(envPrefix + "PROXY_URL"); v != "" {
		cfg.ProxyURL = v
	}
	if n, ok := envInt(getenv, "RATE_LIMIT_MAX_RETRIES"); ok {
		cfg.RateLimitMaxRetries = n
	}
	if n, ok := envInt(getenv, "RATE_LIMIT_RETRY_DELAY_MS"); ok {
		cfg.RateLimitRetryDelayMs = n
	}
	if n, ok := envInt(getenv, "REQUEST_TIMEOUT_MS"); ok {
		cfg.RequestTimeoutMs = n
	}
	if n, ok := envInt(getenv, "THINKING_BUDGET_TOKENS"); ok {
		cfg.ThinkingBudgetTokens = n
	}
	if v := getenv(envPrefix + "USAGE_TRACKING_ENABLED"); v != "" {
		cfg.UsageTrackingEnabled = boolPtr(parseBool(v))
	}
	if v := getenv(envPrefix + "DEBUG"); v != "" {
		cfg.Debug = boolPtr(parseBool(v))
	}
}

func envInt(getenv func(string) string, key string) (int, bool) {
	v := getenv(envPrefix + key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: ignoring non-numeric %s%s=%q", envPrefix, key, v)
		return 0, false
	}
	return n, true
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func (c *Config) normalize() {
	switch c.AccountSelectionStrategy {
	case "sticky", "round-robin", "lowest-usage":
	default:
		log.Warnf("config: unknown strategy %q, using sticky", c.AccountSelectionStrategy)
		c.AccountSelectionStrategy = "sticky"
	}
	if c.RateLimitMaxRetries <= 0 {
		c.RateLimitMaxRetries = 3
	}
	if c.TokenRefreshIntervalSeconds <= 0 {
		c.TokenRefreshIntervalSeconds = 300
	}
	if c.TokenRefreshBufferSeconds <= 0 {
		c.TokenRefreshBufferSeconds = 600
	}
}

// Duration views over the millisecond/second fields.

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.TokenRefreshIntervalSeconds) * time.Second
}

func (c *Config) RefreshBuffer() time.Duration {
	return time.Duration(c.TokenRefreshBufferSeconds) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RateLimitRetryDelayMs) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) ProactiveRefresh() bool {
	return c.ProactiveTokenRefresh == nil || *c.ProactiveTokenRefresh
}

func (c *Config) UsageTracking() bool {
	return c.UsageTrackingEnabled == nil || *c.UsageTrackingEnabled
}

func (c *Config) DebugEnabled() bool {
	return c.Debug != nil && *c.Debug
}

func boolPtr(b bool) *bool { return &b }
