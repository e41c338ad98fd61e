// Package config provides YAML-based configuration loading for signalbox.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override name.
const EnvPrefix = "SIGNALBOX_"

// Config is the top-level signalbox configuration, loaded from config.yaml.
type Config struct {
	Owner    string         `yaml:"owner"`
	Database DatabaseConfig `yaml:"database"`
	Orders   OrdersConfig   `yaml:"orders"`
	Platform PlatformConfig `yaml:"platform"`
	Customer CustomerConfig `yaml:"customer"`
	Server   ServerConfig   `yaml:"server"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig holds connection settings for the conversation database.
// Driver is "mysql" (default) or "sqlite".
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"`
}

// OrdersConfig selects where orders live. "local" keeps them in the
// conversation database; "postgres" reads and writes an external store.
type OrdersConfig struct {
	Source string `yaml:"source"`
	DSN    string `yaml:"dsn"`
}

// PlatformConfig selects the staff thread platform.
type PlatformConfig struct {
	Kind    string        `yaml:"kind"`
	Channel string        `yaml:"channel"`
	Admins  []string      `yaml:"admins"`
	Discord DiscordConfig `yaml:"discord"`
	Slack   SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// CustomerConfig configures the customer's private chat surface.
type CustomerConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig holds the customer-facing bot token. An empty token
// disables the customer chat.
type TelegramConfig struct {
	Token string `yaml:"token"`
}

// ServerConfig configures the HTTP and web socket surface.
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	KeepaliveSec    int    `yaml:"keepalive_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	MaxConnsPerUser int    `yaml:"max_conns_per_user"`
	AdminToken      string `yaml:"admin_token"`
}

// WorkflowConfig tunes order lifecycle behaviour.
type WorkflowConfig struct {
	MaxRevisions   int `yaml:"max_revisions"`
	SyncTimeoutSec int `yaml:"sync_timeout_sec"`
}

// ScheduleConfig configures the periodic jobs.
type ScheduleConfig struct {
	PaymentReminder ReminderConfig `yaml:"payment_reminder"`
	Resync          JobConfig      `yaml:"resync"`
}

// JobConfig is a cron-driven job that can be switched off.
type JobConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// ReminderConfig reminds customers about orders stuck awaiting payment.
type ReminderConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Cron       string `yaml:"cron"`
	AfterHours int    `yaml:"after_hours"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"`
}

// secrets are read from the environment and override the file.
type secrets struct {
	DiscordToken  string `env:"DISCORD_TOKEN"`
	SlackAppToken string `env:"SLACK_APP_TOKEN"`
	SlackBotToken string `env:"SLACK_BOT_TOKEN"`
	TelegramToken string `env:"TELEGRAM_TOKEN"`
	DBPassword    string `env:"DB_PASSWORD"`
	OrdersDSN     string `env:"ORDERS_DSN"`
	AdminToken    string `env:"ADMIN_TOKEN"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config, applying overrides
// from the process environment.
func Parse(data []byte) (*Config, error) {
	return ParseEnv(data, env.ToMap(os.Environ()))
}

// ParseEnv is Parse with an explicit environment.
func ParseEnv(data []byte, environ map[string]string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(environ); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(environ map[string]string) error {
	var s secrets
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&c.Platform.Discord.BotToken, s.DiscordToken)
	override(&c.Platform.Slack.AppToken, s.SlackAppToken)
	override(&c.Platform.Slack.BotToken, s.SlackBotToken)
	override(&c.Customer.Telegram.Token, s.TelegramToken)
	override(&c.Database.Password, s.DBPassword)
	override(&c.Orders.DSN, s.OrdersDSN)
	override(&c.Server.AdminToken, s.AdminToken)
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" && c.Owner != "" {
		c.Database.Name = "signalbox_" + c.Owner
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "signalbox.db"
	}
	if c.Orders.Source == "" {
		c.Orders.Source = "local"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.KeepaliveSec == 0 {
		c.Server.KeepaliveSec = 30
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 10
	}
	if c.Server.MaxConnsPerUser == 0 {
		c.Server.MaxConnsPerUser = 8
	}
	if c.Workflow.MaxRevisions == 0 {
		c.Workflow.MaxRevisions = 3
	}
	if c.Workflow.SyncTimeoutSec == 0 {
		c.Workflow.SyncTimeoutSec = 30
	}
	if c.Schedule.PaymentReminder.Cron == "" {
		c.Schedule.PaymentReminder.Cron = "0 10 * * *"
	}
	if c.Schedule.PaymentReminder.AfterHours == 0 {
		c.Schedule.PaymentReminder.AfterHours = 24
	}
	if c.Schedule.Resync.Cron == "" {
		c.Schedule.Resync.Cron = "*/15 * * * *"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Sink == "" {
		c.Log.Sink = "stdout"
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Owner == "" {
		errs = append(errs, "owner is required")
	}
	switch c.Database.Driver {
	case "mysql":
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of mysql, sqlite", c.Database.Driver))
	}
	switch c.Orders.Source {
	case "local":
	case "postgres":
		if c.Orders.DSN == "" {
			errs = append(errs, "orders.dsn is required when orders.source is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("orders.source %q is not one of local, postgres", c.Orders.Source))
	}
	switch c.Platform.Kind {
	case "discord":
		if c.Platform.Discord.BotToken == "" {
			errs = append(errs, "platform.discord.bot_token is required")
		}
	case "slack":
		if c.Platform.Slack.AppToken == "" {
			errs = append(errs, "platform.slack.app_token is required")
		}
		if c.Platform.Slack.BotToken == "" {
			errs = append(errs, "platform.slack.bot_token is required")
		}
	case "":
		errs = append(errs, "platform.kind is required")
	default:
		errs = append(errs, fmt.Sprintf("platform.kind %q is not one of discord, slack", c.Platform.Kind))
	}
	if c.Platform.Kind != "" && c.Platform.Channel == "" {
		errs = append(errs, "platform.channel is required")
	}
	if c.Server.KeepaliveSec < 0 {
		errs = append(errs, "server.keepalive_sec must be positive")
	}
	if c.Server.MaxConnsPerUser < 0 {
		errs = append(errs, "server.max_conns_per_user must be positive")
	}
	if c.Workflow.MaxRevisions < 0 {
		errs = append(errs, "workflow.max_revisions must be positive")
	}
	if _, err := cronParser.Parse(c.Schedule.PaymentReminder.Cron); err != nil {
		errs = append(errs, fmt.Sprintf("schedule.payment_reminder.cron: %v", err))
	}
	if _, err := cronParser.Parse(c.Schedule.Resync.Cron); err != nil {
		errs = append(errs, fmt.Sprintf("schedule.resync.cron: %v", err))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsAdmin reports whether the platform user id is listed in platform.admins.
func (c *Config) IsAdmin(platformUserID string) bool {
	return slices.Contains(c.Platform.Admins, platformUserID)
}

// Keepalive is the web socket idle bound.
func (s ServerConfig) Keepalive() time.Duration {
	return time.Duration(s.KeepaliveSec) * time.Second
}

// WriteTimeout bounds a single web socket send.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

// SyncTimeout bounds the side effects that follow a committed transition.
func (w WorkflowConfig) SyncTimeout() time.Duration {
	return time.Duration(w.SyncTimeoutSec) * time.Second
}
