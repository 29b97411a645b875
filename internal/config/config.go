// Package config loads relaycore's runtime configuration from environment
// variables, with an optional config.yaml overlay for settings that are
// safe to version-control (non-secret tuning knobs). Required variables
// fail startup fast with a human-readable message; unknown variables are
// ignored.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig holds chat-bot transport credentials.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// BrowserConfig holds the browser chat websocket transport settings.
type BrowserConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// TelephonyConfig holds the telephony media-stream websocket settings.
type TelephonyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EnterpriseConfig holds the enterprise chat webhook settings.
type EnterpriseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SigningKey  string `yaml:"signing_key"`
	WebhookPath string `yaml:"webhook_path"`
}

// VoiceAssistantConfig holds the voice-assistant webhook settings.
type VoiceAssistantConfig struct {
	Enabled     bool   `yaml:"enabled"`
	WebhookPath string `yaml:"webhook_path"`
}

// ChannelsConfig groups per-transport settings.
type ChannelsConfig struct {
	Telegram       TelegramConfig       `yaml:"telegram"`
	Browser        BrowserConfig        `yaml:"browser"`
	Telephony      TelephonyConfig      `yaml:"telephony"`
	Enterprise     EnterpriseConfig     `yaml:"enterprise"`
	VoiceAssistant VoiceAssistantConfig `yaml:"voice_assistant"`
}

// SandboxConfig controls the Docker-based playbook command sandbox.
type SandboxConfig struct {
	Image       string `yaml:"image"`
	MemoryMB    int64  `yaml:"memory_mb"`
	NetworkMode string `yaml:"network_mode"`
	Workspace   string `yaml:"workspace"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	DBPath string `yaml:"db_path"`

	// ClaudePath is the path to the model subprocess executable. Required.
	ClaudePath string `yaml:"claude_path"`

	// UserTimezone is passed through to prompt assembly for date/time framing.
	UserTimezone string `yaml:"user_timezone"`

	// IdleMs is the per-channel idle timeout that triggers consolidation.
	IdleMs int `yaml:"idle_ms"`

	// ModelTimeoutMsWithTools / ModelTimeoutMsNoTools bound a single model
	// invocation depending on whether tool use is permitted for the turn.
	ModelTimeoutMsWithTools int `yaml:"model_timeout_ms_with_tools"`
	ModelTimeoutMsNoTools   int `yaml:"model_timeout_ms_no_tools"`

	// MaxRetries bounds Delivery Engine attempts on the primary channel.
	MaxRetries int `yaml:"max_retries"`

	// NudgeDelayMs is how long a PendingResponse waits before a nudge fires.
	NudgeDelayMs int `yaml:"nudge_delay_ms"`

	// RetryPollMs is the Retry Queue worker's poll interval.
	RetryPollMs int `yaml:"retry_poll_ms"`

	// ApprovalTTLMs is how long a PendingAction survives before the sweeper
	// removes it.
	ApprovalTTLMs int `yaml:"approval_ttl_ms"`

	// WebhookDeadlineMs is the synchronous-reply deadline the Webhook Race
	// Coordinator races the pipeline against (spec §9 open question: exposed
	// as configuration rather than hardcoded).
	WebhookDeadlineMs int `yaml:"webhook_deadline_ms"`

	// ConsolidationBatchCron is the periodic full-sweep consolidation
	// schedule (5-field cron expression), default every 4 hours.
	ConsolidationBatchCron string `yaml:"consolidation_batch_cron"`

	// RetryQueuePurgeAfterDays is how long completed retry items are kept.
	RetryQueuePurgeAfterDays int `yaml:"retry_queue_purge_after_days"`

	// MaxQueueDepth bounds a channel's backlog before backpressure replies
	// are issued instead of silent enqueue. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	Channels ChannelsConfig `yaml:"channels"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`

	// ProjectTrackerURL / ProjectTrackerToken configure the external
	// project tracker the Retry Queue syncs state changes to, behind a
	// narrow ProjectTrackerClient interface (see internal/retryqueue).
	ProjectTrackerURL   string `yaml:"project_tracker_url"`
	ProjectTrackerToken string `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 "127.0.0.1:8080",
		LogLevel:                 "info",
		IdleMs:                   600_000,
		ModelTimeoutMsWithTools:  420_000,
		ModelTimeoutMsNoTools:    60_000,
		MaxRetries:               3,
		NudgeDelayMs:             300_000,
		RetryPollMs:              30_000,
		ApprovalTTLMs:            15 * 60 * 1000,
		WebhookDeadlineMs:        25_000,
		ConsolidationBatchCron:   "0 */4 * * *",
		RetryQueuePurgeAfterDays: 7,
		MaxQueueDepth:            100,
		Sandbox: SandboxConfig{
			Image:       "golang:alpine",
			MemoryMB:    512,
			NetworkMode: "none",
		},
	}
}

// HomeDir resolves the directory relaycore stores its session file, lock
// file, and logs in.
func HomeDir() string {
	if override := os.Getenv("RELAYCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relaycore")
}

// ConfigPath returns the path to the optional YAML overlay.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// requiredVar describes an environment variable Load fails fast without.
type requiredVar struct {
	name string
	why  string
}

// Load resolves configuration from config.yaml (if present) overlaid with
// environment variables, then validates required settings. Required
// variables missing at startup produce a single human-readable error;
// unknown environment variables are silently ignored.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relaycore home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	if data, err := os.ReadFile(configPath); err == nil && len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := requireVars(); err != nil {
		return cfg, err
	}
	cfg.ClaudePath = firstNonEmpty(os.Getenv("CLAUDE_PATH"), cfg.ClaudePath)
	if cfg.ClaudePath == "" {
		return cfg, fmt.Errorf("CLAUDE_PATH is required: set it to the path of the model subprocess executable")
	}

	return cfg, nil
}

// requireVars fails fast with a human-readable message listing every
// missing required variable at once, rather than one-at-a-time.
func requireVars() error {
	required := []requiredVar{
		{"CLAUDE_PATH", "path to the model subprocess executable"},
	}
	var missing []string
	for _, rv := range required {
		if os.Getenv(rv.name) == "" {
			missing = append(missing, fmt.Sprintf("  %s — %s", rv.name, rv.why))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing required environment variables:\n%s", strings.Join(missing, "\n"))
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAYCORE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("RELAYCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAYCORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CLAUDE_PATH"); v != "" {
		cfg.ClaudePath = v
	}
	if v := os.Getenv("USER_TIMEZONE"); v != "" {
		cfg.UserTimezone = v
	}
	if v := intEnv("IDLE_MS"); v != nil {
		cfg.IdleMs = *v
	}
	if v := intEnv("MODEL_TIMEOUT_MS"); v != nil {
		cfg.ModelTimeoutMsWithTools = *v
	}
	if v := intEnv("MODEL_TIMEOUT_MS_NO_TOOLS"); v != nil {
		cfg.ModelTimeoutMsNoTools = *v
	}
	if v := intEnv("MAX_RETRIES"); v != nil {
		cfg.MaxRetries = *v
	}
	if v := intEnv("NUDGE_DELAY_MS"); v != nil {
		cfg.NudgeDelayMs = *v
	}
	if v := intEnv("RETRY_POLL_MS"); v != nil {
		cfg.RetryPollMs = *v
	}
	if v := intEnv("WEBHOOK_DEADLINE_MS"); v != nil {
		cfg.WebhookDeadlineMs = *v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv("PROJECT_TRACKER_TOKEN"); v != "" {
		cfg.ProjectTrackerToken = v
	}
	if v := os.Getenv("PROJECT_TRACKER_URL"); v != "" {
		cfg.ProjectTrackerURL = v
	}
}

func intEnv(name string) *int {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ModelTimeout returns the configured timeout for a single invocation,
// depending on whether tool use is allowed for the turn.
func (c Config) ModelTimeout(allowTools bool) time.Duration {
	if allowTools {
		return time.Duration(c.ModelTimeoutMsWithTools) * time.Millisecond
	}
	return time.Duration(c.ModelTimeoutMsNoTools) * time.Millisecond
}
