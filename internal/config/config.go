// Package config loads the aide YAML configuration. The resulting
// *Config is built once at startup and handed to each component's
// constructor; nothing reads configuration from package state.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/aide/config.yaml,
// /etc/aide/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aide", "config.yaml"))
	}
	return append(paths, "/etc/aide/config.yaml")
}

// FindConfig locates a config file. An explicit path must exist;
// otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all aide configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	LLM           LLMConfig           `yaml:"llm"`
	Retry         RetryConfig         `yaml:"retry"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	Store         StoreConfig         `yaml:"store"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Summarizer    SummarizerConfig    `yaml:"summarizer"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Watcher       WatcherConfig       `yaml:"watcher"`
	Summaries     SummariesConfig     `yaml:"summaries"`
	MCP           MCPConfig           `yaml:"mcp"`
	Google        GoogleConfig        `yaml:"google"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Usage         UsageConfig         `yaml:"usage"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// ListenConfig is the HTTP listener for /health and the OAuth callback.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	TimeoutSec  int     `yaml:"timeout_sec"`

	// Pricing maps model names to per-million-token prices for the
	// usage ledger. Models not listed are counted at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// UsageConfig controls the token usage ledger.
type UsageConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Retention is how long daily usage buckets are kept.
func (c UsageConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Timeout returns the per-call LLM timeout.
func (c LLMConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }

// RetryConfig controls the LLM retry executor.
type RetryConfig struct {
	MaxRetries        int `yaml:"max_retries"`
	BaseDelayMs       int `yaml:"base_delay_ms"`
	MaxDelaySec       int `yaml:"max_delay_sec"`
	RateLimitDelaySec int `yaml:"rate_limit_delay_sec"`
	// UserRetries is how many times the Telegram bridge re-runs a turn
	// after telling the user to wait out a rate limit.
	UserRetries int `yaml:"user_retries"`
}

// TelegramConfig configures the Bot API client.
type TelegramConfig struct {
	Token          string  `yaml:"token"`
	APIURL         string  `yaml:"api_url"`
	PollTimeoutSec int     `yaml:"poll_timeout_sec"`
	AllowedUsers   []int64 `yaml:"allowed_users"` // empty allows everyone
	ParseMode      string  `yaml:"parse_mode"`    // "html" renders markdown; "" sends plain text
}

// StoreConfig selects the key-value backend.
type StoreConfig struct {
	Backend  string `yaml:"backend"` // redis (default) or sqlite
	RedisURL string `yaml:"redis_url"`
	// SQLitePath defaults to <data_dir>/aide.db.
	SQLitePath string `yaml:"sqlite_path"`
	// SweepSec is how often the sqlite backend looks for expired keys.
	SweepSec int `yaml:"sweep_sec"`
}

// ConversationConfig bounds stored chat history.
type ConversationConfig struct {
	MaxMessages int `yaml:"max_messages"`
	TTLSec      int `yaml:"ttl_sec"` // inactivity window before summarization
	// TurnTimeoutSec bounds a whole chat turn including tool calls.
	TurnTimeoutSec int `yaml:"turn_timeout_sec"`
}

// SummarizerConfig tunes the inactivity summarizer.
type SummarizerConfig struct {
	MaxMessages int     `yaml:"max_messages"`
	MaxChars    int     `yaml:"max_chars"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSec  int     `yaml:"timeout_sec"`
}

// SchedulerConfig tunes reminders.
type SchedulerConfig struct {
	DefaultTimezone string `yaml:"default_timezone"`
	ReconcileHour   int    `yaml:"reconcile_hour"`   // UTC
	ReconcileMinute int    `yaml:"reconcile_minute"` // UTC
	ConfirmTTLSec   int    `yaml:"confirm_ttl_sec"`
	FireTimeoutSec  int    `yaml:"fire_timeout_sec"`
	// ReminderTag marks calendar events that carry a reminder.
	ReminderTag string `yaml:"reminder_tag"`
}

// WatcherConfig tunes chat watchers.
type WatcherConfig struct {
	TickSec            int `yaml:"tick_sec"`
	DefaultIntervalSec int `yaml:"default_interval_sec"`
	BatchChars         int `yaml:"batch_chars"`
}

// SummariesConfig tunes channel summary groups.
type SummariesConfig struct {
	TickSec              int `yaml:"tick_sec"`
	DefaultIntervalHours int `yaml:"default_interval_hours"`
	// ChunkChars bounds the channel history sent in one model call.
	ChunkChars int `yaml:"chunk_chars"`
	TimeoutSec int `yaml:"timeout_sec"`
}

// MCPConfig lists remote tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig is one streamable-HTTP MCP server.
type MCPServerConfig struct {
	Name       string            `yaml:"name"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	Include    []string          `yaml:"include"`
	Exclude    []string          `yaml:"exclude"`
	TimeoutSec int               `yaml:"timeout_sec"`
}

// GoogleConfig is the OAuth client used by /auth.
type GoogleConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"` // empty uses auth.DefaultScopes
}

// Configured reports whether OAuth is usable.
func (c GoogleConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RedirectURL != ""
}

// TranscriptionConfig points at a Whisper-compatible endpoint.
type TranscriptionConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// MQTTConfig enables the activity feed.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`

	// StatsIntervalSec is how often the retained stats document is
	// republished.
	StatsIntervalSec int `yaml:"stats_interval_sec"`

	// MaxEventsPerMinute caps forwarded events; the excess is dropped.
	MaxEventsPerMinute int `yaml:"max_events_per_minute"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment, and fills unset fields with
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.x.ai/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "grok-3"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 30
	}
	if c.Usage.RetentionDays == 0 {
		c.Usage.RetentionDays = 90
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = 1000
	}
	if c.Retry.MaxDelaySec == 0 {
		c.Retry.MaxDelaySec = 60
	}
	if c.Retry.RateLimitDelaySec == 0 {
		c.Retry.RateLimitDelaySec = 30
	}
	if c.Retry.UserRetries == 0 {
		c.Retry.UserRetries = 3
	}
	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = "https://api.telegram.org"
	}
	if c.Telegram.PollTimeoutSec == 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "redis"
	}
	if c.Store.RedisURL == "" {
		c.Store.RedisURL = "redis://localhost:6379/0"
	}
	if c.Store.SweepSec == 0 {
		c.Store.SweepSec = 30
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(c.DataDir, "aide.db")
	}
	if c.Conversation.MaxMessages == 0 {
		c.Conversation.MaxMessages = 50
	}
	if c.Conversation.TTLSec == 0 {
		c.Conversation.TTLSec = 3 * 60 * 60
	}
	if c.Conversation.TurnTimeoutSec == 0 {
		c.Conversation.TurnTimeoutSec = 300
	}
	if c.Summarizer.MaxMessages == 0 {
		c.Summarizer.MaxMessages = 20
	}
	if c.Summarizer.MaxChars == 0 {
		c.Summarizer.MaxChars = 500
	}
	if c.Summarizer.Temperature == 0 {
		c.Summarizer.Temperature = 0.3
	}
	if c.Summarizer.MaxTokens == 0 {
		c.Summarizer.MaxTokens = 200
	}
	if c.Summarizer.TimeoutSec == 0 {
		c.Summarizer.TimeoutSec = 60
	}
	if c.Scheduler.DefaultTimezone == "" {
		c.Scheduler.DefaultTimezone = "UTC"
	}
	if c.Scheduler.ConfirmTTLSec == 0 {
		c.Scheduler.ConfirmTTLSec = 300
	}
	if c.Scheduler.FireTimeoutSec == 0 {
		c.Scheduler.FireTimeoutSec = 300
	}
	if c.Scheduler.ReminderTag == "" {
		c.Scheduler.ReminderTag = "#reminder"
	}
	if c.Watcher.TickSec == 0 {
		c.Watcher.TickSec = 60
	}
	if c.Watcher.DefaultIntervalSec == 0 {
		c.Watcher.DefaultIntervalSec = 10800
	}
	if c.Watcher.BatchChars == 0 {
		c.Watcher.BatchChars = 16000
	}
	if c.Summaries.TickSec == 0 {
		c.Summaries.TickSec = 60
	}
	if c.Summaries.DefaultIntervalHours == 0 {
		c.Summaries.DefaultIntervalHours = 6
	}
	if c.Summaries.ChunkChars == 0 {
		c.Summaries.ChunkChars = 24000
	}
	if c.Summaries.TimeoutSec == 0 {
		c.Summaries.TimeoutSec = 600
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].TimeoutSec == 0 {
			c.MCP.Servers[i].TimeoutSec = 30
		}
	}
	if c.Transcription.Model == "" {
		c.Transcription.Model = "whisper-1"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "aide"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "aide"
	}
	if c.MQTT.StatsIntervalSec <= 0 {
		c.MQTT.StatsIntervalSec = 60
	}
	if c.MQTT.MaxEventsPerMinute <= 0 {
		c.MQTT.MaxEventsPerMinute = 600
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	switch c.Store.Backend {
	case "redis", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be redis or sqlite", c.Store.Backend))
	}
	if c.Scheduler.ReconcileHour < 0 || c.Scheduler.ReconcileHour > 23 {
		errs = append(errs, fmt.Errorf("scheduler.reconcile_hour %d out of range", c.Scheduler.ReconcileHour))
	}
	if c.Scheduler.ReconcileMinute < 0 || c.Scheduler.ReconcileMinute > 59 {
		errs = append(errs, fmt.Errorf("scheduler.reconcile_minute %d out of range", c.Scheduler.ReconcileMinute))
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			errs = append(errs, err)
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if h := c.Summaries.DefaultIntervalHours; h < 1 || h > 24 {
		errs = append(errs, fmt.Errorf("summaries.default_interval_hours %d must be 1 to 24", h))
	}
	seen := make(map[string]bool)
	for _, s := range c.MCP.Servers {
		name := strings.TrimSpace(s.Name)
		if name == "" || s.URL == "" {
			errs = append(errs, errors.New("mcp.servers entries need name and url"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("mcp server %q listed twice", name))
		}
		seen[name] = true
	}
	return errors.Join(errs...)
}
