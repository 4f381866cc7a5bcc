// Package config loads and normalizes the daemon configuration from
// ~/.vigil/config.yaml, with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Interval bounds for the heartbeat timer.
const (
	MinHeartbeatInterval = 5 * time.Minute
	MaxHeartbeatInterval = 60 * time.Minute
)

// LLMConfig selects the model provider.
type LLMConfig struct {
	// Provider: "google", "anthropic", "openai", "openai_compatible",
	// "openrouter". Empty defaults to "google".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// openai_compatible only.
	CompatProvider string `yaml:"compat_provider"`
	CompatBaseURL  string `yaml:"compat_base_url"`
}

// HeartbeatConfig is the scheduler surface.
type HeartbeatConfig struct {
	IntervalMinutes             int    `yaml:"interval_minutes"`
	InstructionsPath            string `yaml:"instructions_path"`
	NotificationCooldownSeconds int    `yaml:"notification_cooldown_seconds"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OtelConfig controls trace/metric export.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "otlp-http", "none"
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// GatewayToken authenticates the privileged principal on the external
	// surface. Its presence also resolves the capability tier unless Tier
	// overrides it.
	GatewayToken string `yaml:"gateway_token"`

	// Tier overrides tier resolution: "base" or "privileged". Empty means
	// resolve from the gateway token's presence.
	Tier string `yaml:"tier"`

	// EnabledSkillIDs filters the registry; empty enables every skill.
	EnabledSkillIDs []string `yaml:"enabled_skill_ids"`

	// AutoApprove answers every approval gate with yes, without suspending.
	AutoApprove bool `yaml:"auto_approve"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	LLM       LLMConfig       `yaml:"llm"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Otel      OtelConfig      `yaml:"otel"`
}

// HomeDir resolves the daemon's state directory, ~/.vigil by default.
func HomeDir() string {
	if override := os.Getenv("VIGIL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".vigil")
}

// ConfigPath returns the path to config.yaml inside the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8799",
		LogLevel: "info",
		Heartbeat: HeartbeatConfig{
			IntervalMinutes:             30,
			NotificationCooldownSeconds: 30,
		},
		LLM: LLMConfig{Provider: "google"},
		Otel: OtelConfig{
			Exporter: "stdout",
		},
	}
}

// Load reads config.yaml from the home directory, applies env overrides,
// and normalizes. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create vigil home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIGIL_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VIGIL_GATEWAY_TOKEN"); v != "" {
		cfg.GatewayToken = v
	}
	if v := os.Getenv("VIGIL_TIER"); v != "" {
		cfg.Tier = v
	}
	if v := os.Getenv("VIGIL_AUTO_APPROVE"); v != "" {
		cfg.AutoApprove = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("VIGIL_HEARTBEAT_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Heartbeat.IntervalMinutes = n
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8799"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "vigil.db")
	}
	if cfg.Heartbeat.InstructionsPath == "" {
		cfg.Heartbeat.InstructionsPath = filepath.Join(cfg.HomeDir, "heartbeat.md")
	}
	if cfg.Heartbeat.NotificationCooldownSeconds <= 0 {
		cfg.Heartbeat.NotificationCooldownSeconds = 30
	}
	cfg.Heartbeat.IntervalMinutes = clampIntervalMinutes(cfg.Heartbeat.IntervalMinutes)

	cfg.Tier = strings.ToLower(strings.TrimSpace(cfg.Tier))
	if cfg.Tier != "base" && cfg.Tier != "privileged" {
		cfg.Tier = ""
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "stdout"
	}

	seen := make(map[string]struct{}, len(cfg.EnabledSkillIDs))
	ids := cfg.EnabledSkillIDs[:0]
	for _, id := range cfg.EnabledSkillIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	cfg.EnabledSkillIDs = ids
}

func clampIntervalMinutes(m int) int {
	min := int(MinHeartbeatInterval / time.Minute)
	max := int(MaxHeartbeatInterval / time.Minute)
	if m < min {
		return min
	}
	if m > max {
		return max
	}
	return m
}

// HeartbeatInterval returns the clamped interval as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(clampIntervalMinutes(c.Heartbeat.IntervalMinutes)) * time.Minute
}

// NotificationCooldown returns the notification throttle window.
func (c Config) NotificationCooldown() time.Duration {
	return time.Duration(c.Heartbeat.NotificationCooldownSeconds) * time.Second
}

// Privileged resolves the process capability tier once at startup: an
// explicit tier override wins, otherwise the presence of the privileged
// principal's token grants the privileged tier.
func (c Config) Privileged() bool {
	switch c.Tier {
	case "privileged":
		return true
	case "base":
		return false
	}
	return c.GatewayToken != ""
}

// Fingerprint returns a stable hash of the hot-reloadable settings, used
// to skip redundant reload propagation.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "interval=%d|skills=%s|auto=%t|provider=%s|model=%s|cooldown=%d",
		c.Heartbeat.IntervalMinutes, strings.Join(c.EnabledSkillIDs, ","),
		c.AutoApprove, c.LLM.Provider, c.LLM.Model,
		c.Heartbeat.NotificationCooldownSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
