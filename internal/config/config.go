package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken           string            `yaml:"discord_token"`
	DatabaseDriver         string            `yaml:"database_driver"`
	DatabasePath           string            `yaml:"database_path"`
	DatabaseURL            string            `yaml:"database_url"`
	RedisAddr              string            `yaml:"redis_addr"`
	LogLevel               string            `yaml:"log_level"`
	DefaultAdminUserID     string            `yaml:"default_admin_user_id"`
	DefaultRecipientUserID string            `yaml:"default_recipient_user_id"`
	DefaultWelcomeTemplate string            `yaml:"default_welcome_template"`
	DefaultLeaveTemplate   string            `yaml:"default_leave_template"`
	ModerationBots         []string          `yaml:"moderation_bots"`
	ModerationBotsFile     string            `yaml:"moderation_bots_file"`
	RetentionDays          int               `yaml:"retention_days"`
	BroadcastRatePerSec    int               `yaml:"broadcast_rate_per_sec"`
	Health                 HealthConfig      `yaml:"health"`
	Correlation            CorrelationConfig `yaml:"correlation"`
	HumanSearch            HumanSearchConfig `yaml:"human_search"`
	PingLimit              PingLimitConfig   `yaml:"ping_limit"`
	Wakeup                 WakeupConfig      `yaml:"wakeup"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CorrelationConfig struct {
	GraceMillis      int `yaml:"grace_millis"`
	FreshnessSeconds int `yaml:"freshness_seconds"`
	EntryLimit       int `yaml:"entry_limit"`
}

type HumanSearchConfig struct {
	WindowSeconds      int `yaml:"window_seconds"`
	MessagesPerChannel int `yaml:"messages_per_channel"`
}

type PingLimitConfig struct {
	DailyLimit           int    `yaml:"daily_limit"`
	ApproveEmoji         string `yaml:"approve_emoji"`
	DenyEmoji            string `yaml:"deny_emoji"`
	ApprovalTTLMinutes   int    `yaml:"approval_ttl_minutes"`
	CounterRetentionDays int    `yaml:"counter_retention_days"`
}

type WakeupConfig struct {
	TargetUserID    string `yaml:"target_user_id"`
	AckChannelID    string `yaml:"ack_channel_id"`
	AckPhrase       string `yaml:"ack_phrase"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	EscalateEvery   int    `yaml:"escalate_every"`
}

// DefaultModerationBots mirrors the brands most servers run for kicks and bans.
var DefaultModerationBots = []string{"Arcane", "MEE6", "Dyno", "Carl-bot", "ProBot", "Wick"}

func DefaultConfig() Config {
	return Config{
		DatabaseDriver:         "sqlite",
		DatabasePath:           "/data/modnotify.db",
		LogLevel:               "info",
		DefaultWelcomeTemplate: "Welcome to {server}, {user}! You are member #{memberCount}.",
		DefaultLeaveTemplate:   "{username} ({userId}) left {server}.",
		ModerationBots:         append([]string(nil), DefaultModerationBots...),
		RetentionDays:          30,
		BroadcastRatePerSec:    2,
		Health:                 HealthConfig{Enabled: false, Addr: ":8080"},
		Correlation:            CorrelationConfig{GraceMillis: 1000, FreshnessSeconds: 5, EntryLimit: 5},
		HumanSearch:            HumanSearchConfig{WindowSeconds: 10, MessagesPerChannel: 10},
		PingLimit: PingLimitConfig{
			DailyLimit:           5,
			ApproveEmoji:         "✅",
			DenyEmoji:            "❌",
			ApprovalTTLMinutes:   24 * 60,
			CounterRetentionDays: 7,
		},
		Wakeup: WakeupConfig{
			AckPhrase:       "i'm awake",
			IntervalSeconds: 5,
			EscalateEvery:   10,
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}
	cfg.DatabaseDriver = normalizeDriver(cfg.DatabaseDriver)
	if cfg.DatabaseDriver == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required for the postgres driver")
	}
	if cfg.ModerationBotsFile != "" {
		if names, err := ReadModerationBots(cfg.ModerationBotsFile); err == nil && len(names) > 0 {
			cfg.ModerationBots = names
		}
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", envString("BOT_TOKEN", cfg.DiscordToken))
	cfg.DatabaseDriver = envString("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = envString("REDIS_ADDR", cfg.RedisAddr)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.DefaultAdminUserID = envString("DEFAULT_ADMIN_USER_ID", cfg.DefaultAdminUserID)
	cfg.DefaultRecipientUserID = envString("DEFAULT_RECIPIENT_USER_ID", envString("YOUR_USER_ID", cfg.DefaultRecipientUserID))
	cfg.DefaultWelcomeTemplate = envString("DEFAULT_WELCOME_TEMPLATE", cfg.DefaultWelcomeTemplate)
	cfg.DefaultLeaveTemplate = envString("DEFAULT_LEAVE_TEMPLATE", cfg.DefaultLeaveTemplate)
	cfg.ModerationBots = envList("MODERATION_BOTS", cfg.ModerationBots)
	cfg.ModerationBotsFile = envString("MODERATION_BOTS_FILE", cfg.ModerationBotsFile)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.BroadcastRatePerSec = envInt("BROADCAST_RATE_PER_SEC", cfg.BroadcastRatePerSec)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Correlation.GraceMillis = envInt("CORRELATION_GRACE_MILLIS", cfg.Correlation.GraceMillis)
	cfg.Correlation.FreshnessSeconds = envInt("CORRELATION_FRESHNESS_SECONDS", cfg.Correlation.FreshnessSeconds)
	cfg.Correlation.EntryLimit = envInt("CORRELATION_ENTRY_LIMIT", cfg.Correlation.EntryLimit)
	cfg.HumanSearch.WindowSeconds = envInt("HUMAN_SEARCH_WINDOW_SECONDS", cfg.HumanSearch.WindowSeconds)
	cfg.HumanSearch.MessagesPerChannel = envInt("HUMAN_SEARCH_MESSAGES", cfg.HumanSearch.MessagesPerChannel)
	cfg.PingLimit.DailyLimit = envInt("PING_DAILY_LIMIT", cfg.PingLimit.DailyLimit)
	cfg.PingLimit.ApprovalTTLMinutes = envInt("PING_APPROVAL_TTL_MINUTES", cfg.PingLimit.ApprovalTTLMinutes)
	cfg.PingLimit.CounterRetentionDays = envInt("PING_COUNTER_RETENTION_DAYS", cfg.PingLimit.CounterRetentionDays)
	cfg.Wakeup.TargetUserID = envString("WAKEUP_TARGET_USER_ID", cfg.Wakeup.TargetUserID)
	cfg.Wakeup.AckChannelID = envString("WAKEUP_ACK_CHANNEL_ID", cfg.Wakeup.AckChannelID)
	cfg.Wakeup.AckPhrase = envString("WAKEUP_ACK_PHRASE", cfg.Wakeup.AckPhrase)
	cfg.Wakeup.IntervalSeconds = envInt("WAKEUP_INTERVAL_SECONDS", cfg.Wakeup.IntervalSeconds)
	cfg.Wakeup.EscalateEvery = envInt("WAKEUP_ESCALATE_EVERY", cfg.Wakeup.EscalateEvery)
}

func (c CorrelationConfig) Grace() time.Duration {
	return time.Duration(c.GraceMillis) * time.Millisecond
}

func (c CorrelationConfig) Freshness() time.Duration {
	if c.FreshnessSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.FreshnessSeconds) * time.Second
}

func (c HumanSearchConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c PingLimitConfig) ApprovalTTL() time.Duration {
	if c.ApprovalTTLMinutes <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.ApprovalTTLMinutes) * time.Minute
}

func (c WakeupConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func normalizeDriver(value string) string {
	switch strings.ToLower(value) {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return "sqlite"
	}
}
