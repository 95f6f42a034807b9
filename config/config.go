// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DefaultPath = "config.yaml"
	envPrefix   = "DIABETESAI_"
)

type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeoutSec  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSec int      `yaml:"write_timeout_seconds"`
	RequestTimeout  int      `yaml:"request_timeout_seconds"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ModelConfig struct {
	Path  string `yaml:"path"`
	Type  string `yaml:"type"`
	Watch bool   `yaml:"watch"`
}

type RateLimitConfig struct {
	Limit         int    `yaml:"limit"`
	WindowSeconds int    `yaml:"window_seconds"`
	MaxIdentities int    `yaml:"max_identities"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type ExplainConfig struct {
	TopK      int `yaml:"top_k"`
	TimeoutMS int `yaml:"timeout_ms"`
}

func (c ExplainConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type BatchConfig struct {
	MaxRows int `yaml:"max_rows"`
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	RequireJWT    bool   `yaml:"require_jwt"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
}

type SlackConfig struct {
	BotToken string   `yaml:"bot_token"`
	AppToken string   `yaml:"app_token"`
	Admins   []string `yaml:"admins"`
}

func (c SlackConfig) Configured() bool {
	return c.BotToken != "" && c.AppToken != ""
}

type AlertsConfig struct {
	WebhookURL       string `yaml:"webhook_url"`
	MinLevel         string `yaml:"min_level"`
	CooldownSeconds  int    `yaml:"cooldown_seconds"`
	CheckIntervalSec int    `yaml:"check_interval_seconds"`
}

func (c AlertsConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c AlertsConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Model     ModelConfig     `yaml:"model"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Explain   ExplainConfig   `yaml:"explain"`
	Batch     BatchConfig     `yaml:"batch"`
	Auth      AuthConfig      `yaml:"auth"`
	Slack     SlackConfig     `yaml:"slack"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Log       LogConfig       `yaml:"log"`
}

// ResolvePath picks the config file: an explicit path, then
// DIABETESAI_CONFIG, then config.yaml.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv(envPrefix + "CONFIG"); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads path (a missing file is allowed), applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	envOverrideInt(&c.Server.Port, "PORT", &errs)
	envOverride(&c.Database.Path, "DB_PATH")
	envOverride(&c.Model.Path, "MODEL_PATH")
	envOverride(&c.Model.Type, "MODEL_TYPE")
	envOverrideBool(&c.Model.Watch, "MODEL_WATCH", &errs)
	envOverrideInt(&c.RateLimit.Limit, "RATE_LIMIT", &errs)
	envOverrideInt(&c.RateLimit.WindowSeconds, "RATE_WINDOW_SECONDS", &errs)
	envOverride(&c.RateLimit.SweepSchedule, "RATE_SWEEP_SCHEDULE")
	envOverrideInt(&c.Explain.TopK, "EXPLAIN_TOP_K", &errs)
	envOverrideInt(&c.Explain.TimeoutMS, "EXPLAIN_TIMEOUT_MS", &errs)
	envOverrideInt(&c.Batch.MaxRows, "BATCH_MAX_ROWS", &errs)
	envOverride(&c.Auth.JWTSecret, "JWT_SECRET")
	envOverrideBool(&c.Auth.RequireJWT, "REQUIRE_JWT", &errs)
	envOverride(&c.Slack.BotToken, "SLACK_BOT_TOKEN")
	envOverride(&c.Slack.AppToken, "SLACK_APP_TOKEN")
	envOverride(&c.Alerts.WebhookURL, "ALERT_WEBHOOK")
	envOverride(&c.Log.Level, "LOG_LEVEL")
	envOverride(&c.Log.File, "LOG_FILE")

	if admins := os.Getenv(envPrefix + "SLACK_ADMINS"); admins != "" {
		c.Slack.Admins = nil
		for _, id := range strings.Split(admins, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.Slack.Admins = append(c.Slack.Admins, id)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 60
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 4 << 20
	}
	if c.Database.Path == "" {
		c.Database.Path = "./predictions.db"
	}
	if c.Model.Path == "" {
		c.Model.Path = "./diabetes_model.json"
	}
	if c.Model.Type == "" {
		c.Model.Type = "random_forest"
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = 100
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 3600
	}
	if c.RateLimit.MaxIdentities == 0 {
		c.RateLimit.MaxIdentities = 100000
	}
	if c.RateLimit.SweepSchedule == "" {
		c.RateLimit.SweepSchedule = "*/5 * * * *"
	}
	if c.Explain.TopK == 0 {
		c.Explain.TopK = 5
	}
	if c.Explain.TimeoutMS == 0 {
		c.Explain.TimeoutMS = 2000
	}
	if c.Batch.MaxRows == 0 {
		c.Batch.MaxRows = 1000
	}
	if c.Auth.TokenTTLHours == 0 {
		c.Auth.TokenTTLHours = 24
	}
	if c.Alerts.MinLevel == "" {
		c.Alerts.MinLevel = "warning"
	}
	if c.Alerts.CooldownSeconds == 0 {
		c.Alerts.CooldownSeconds = 900
	}
	if c.Alerts.CheckIntervalSec == 0 {
		c.Alerts.CheckIntervalSec = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.RateLimit.Limit < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.limit must be >= 1, got %d", c.RateLimit.Limit))
	}
	if c.RateLimit.WindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.window_seconds must be >= 1, got %d", c.RateLimit.WindowSeconds))
	}
	if c.Explain.TopK < 1 || c.Explain.TopK > 11 {
		errs = append(errs, fmt.Errorf("explain.top_k must be between 1 and 11, got %d", c.Explain.TopK))
	}
	if c.Explain.TimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("explain.timeout_ms must be >= 1, got %d", c.Explain.TimeoutMS))
	}
	if c.Batch.MaxRows < 1 {
		errs = append(errs, fmt.Errorf("batch.max_rows must be >= 1, got %d", c.Batch.MaxRows))
	}
	switch c.Model.Type {
	case "random_forest", "decision_tree":
	default:
		errs = append(errs, fmt.Errorf("model.type must be random_forest or decision_tree, got %q", c.Model.Type))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Alerts.MinLevel {
	case "info", "warning", "critical":
	default:
		errs = append(errs, fmt.Errorf("alerts.min_level must be info, warning or critical, got %q", c.Alerts.MinLevel))
	}
	if c.Auth.RequireJWT && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.require_jwt needs auth.jwt_secret"))
	}
	return errors.Join(errs...)
}

func envOverride(field *string, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, key string, errs *[]error) {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*field = parsed
}

func envOverrideBool(field *bool, key string, errs *[]error) {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*field = parsed
}
