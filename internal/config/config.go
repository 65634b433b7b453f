// Package config provides configuration management for the tracker.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/protection"
	"dhan-tracker/internal/security"
	"dhan-tracker/internal/trading"
	"dhan-tracker/pkg/utils"
)

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig      `mapstructure:"trading"`
	Protection    ProtectionConfig   `mapstructure:"protection"`
	HTTP          HTTPConfig         `mapstructure:"http"`
	Token         TokenConfig        `mapstructure:"token"`
	Server        ServerConfig       `mapstructure:"server"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	Store         StoreConfig        `mapstructure:"store"`
	Security      SecurityConfig     `mapstructure:"security"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// TradingConfig selects the broker and whether orders are real.
type TradingConfig struct {
	Mode   string `mapstructure:"mode"`   // "live", "paper"
	Broker string `mapstructure:"broker"` // "dhan", "zerodha"
}

// ProtectionConfig holds the stop-loss strategy and pass tuning.
type ProtectionConfig struct {
	protection.Strategy `mapstructure:",squash"`

	ModifyEpsilon     float64 `mapstructure:"modify_epsilon"`
	AMOTime           string  `mapstructure:"amo_time"`
	SubmitConcurrency int     `mapstructure:"submit_concurrency"`
	FetchConcurrency  int     `mapstructure:"fetch_concurrency"`
	LookbackDays      int     `mapstructure:"lookback_days"`
}

// HTTPConfig holds outbound HTTP settings.
type HTTPConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	DhanBaseURL       string        `mapstructure:"dhan_base_url"`
	NSEBaseURL        string        `mapstructure:"nse_base_url"`
	UpstoxBaseURL     string        `mapstructure:"upstox_base_url"`
}

// TokenConfig holds access token renewal timing.
type TokenConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Lifetime        time.Duration `mapstructure:"lifetime"`
	MaxTickGap      time.Duration `mapstructure:"max_tick_gap"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	Password       string   `mapstructure:"password"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SchedulerConfig holds cron specs for the background jobs, evaluated in Timezone.
// Token renewal runs every token.refresh_interval instead of on a cron spec.
type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Timezone        string `mapstructure:"timezone"`
	AMOSchedule     string `mapstructure:"amo_schedule"`
	SuperSchedule   string `mapstructure:"super_schedule"`
	TriggerSchedule string `mapstructure:"trigger_schedule"`
	SummarySchedule string `mapstructure:"summary_schedule"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	ReadOnlyMode bool   `mapstructure:"read_only_mode"`
	AuditEnabled bool   `mapstructure:"audit_enabled"`
	AuditDir     string `mapstructure:"audit_dir"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, triggers_only, errors_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Email    EmailConfig    `mapstructure:"email"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	BaseURL  string `mapstructure:"base_url"`
}

// EmailConfig holds email notification configuration.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// Credentials holds API credentials.
type Credentials struct {
	Dhan    DhanCredentials    `mapstructure:"dhan"`
	Upstox  UpstoxCredentials  `mapstructure:"upstox"`
	Zerodha ZerodhaCredentials `mapstructure:"zerodha"`
}

// DhanCredentials holds Dhan API credentials.
type DhanCredentials struct {
	ClientID    string `mapstructure:"client_id"`
	AccessToken string `mapstructure:"access_token"`
}

// UpstoxCredentials holds the Upstox historical data token.
type UpstoxCredentials struct {
	AccessToken string `mapstructure:"access_token"`
}

// ZerodhaCredentials holds Zerodha API credentials.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/dhan-tracker"
	}
	return filepath.Join(home, ".config", "dhan-tracker")
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	refresh := security.DefaultRefreshConfig()
	orchestrator := trading.DefaultConfig()

	return &Config{
		Trading: TradingConfig{Mode: "live", Broker: "dhan"},
		Protection: ProtectionConfig{
			Strategy:          orchestrator.Strategy,
			ModifyEpsilon:     orchestrator.ModifyEpsilon,
			AMOTime:           string(orchestrator.AMOTime),
			SubmitConcurrency: orchestrator.SubmitConcurrency,
			FetchConcurrency:  orchestrator.FetchConcurrency,
			LookbackDays:      orchestrator.LookbackDays,
		},
		HTTP: HTTPConfig{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
			DhanBaseURL:       "https://api.dhan.co/v2",
			NSEBaseURL:        "https://www.nseindia.com",
			UpstoxBaseURL:     "https://api.upstox.com/v2",
		},
		Token: TokenConfig{
			RefreshInterval: refresh.Interval,
			Lifetime:        refresh.Lifetime,
			MaxTickGap:      refresh.MaxTickGap,
		},
		Server: ServerConfig{Addr: ":8080"},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			Timezone:        "Asia/Kolkata",
			AMOSchedule:     "30 8 * * 1-5",
			SuperSchedule:   "20 9 * * 1-5",
			TriggerSchedule: "*/15 9-15 * * 1-5",
			SummarySchedule: "45 15 * * 1-5",
		},
		Store:    StoreConfig{DBPath: filepath.Join(DefaultConfigDir(), "tracker.db")},
		Security: SecurityConfig{AuditEnabled: true},
		Notifications: NotificationConfig{
			Level: "all",
			Email: EmailConfig{SMTPPort: 587},
		},
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	loadDotEnv()

	cfg := Default()

	// Load main config
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	// Load credentials
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(configDir, "tracker.db")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv reads the project .env, then the per-user env file. Variables
// already set in the environment win.
func loadDotEnv() {
	candidates := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".dhan-tracker", "config.env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

func loadConfigFile(configDir, name string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// First run: leave a template behind and carry on with defaults.
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	// A configured tier table replaces the default one instead of merging
	// into it element by element.
	if v.IsSet("protection.tiers") {
		cfg.Protection.Tiers = nil
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// Dhan credentials
	if v := os.Getenv("DHAN_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Dhan.AccessToken = v
	}
	if v := os.Getenv("DHAN_CLIENT_ID"); v != "" {
		cfg.Credentials.Dhan.ClientID = v
	}
	if v := os.Getenv("DHAN_STOP_LOSS_PERCENT"); v != "" {
		if pct, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Protection.MaxLossPct = pct
		}
	}

	// Upstox
	if v := os.Getenv("UPSTOX_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Upstox.AccessToken = v
	}

	// Zerodha credentials
	if v := os.Getenv("ZERODHA_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("ZERODHA_API_SECRET"); v != "" {
		cfg.Credentials.Zerodha.APISecret = v
	}
	if v := os.Getenv("ZERODHA_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Zerodha.AccessToken = v
	}

	// Server and storage
	if v := os.Getenv("APP_PASSWORD"); v != "" {
		cfg.Server.Password = v
	}
	if v := os.Getenv("TRACKER_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}

	// Trading mode
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}

	// SMTP
	email := &cfg.Notifications.Email
	if v := os.Getenv("SMTP_HOST"); v != "" {
		email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			email.SMTPPort = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		email.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		email.Password = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		email.From = v
	}
	if v := os.Getenv("EMAIL_TO"); v != "" {
		email.To = v
	}
	if os.Getenv("SMTP_HOST") != "" && email.To != "" {
		email.Enabled = true
		cfg.Notifications.Enabled = true
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate trading mode
	if c.Trading.Mode != "" && c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return apperrors.NewConfigurationError("trading.mode",
			fmt.Sprintf("invalid trading mode %q (must be 'live' or 'paper')", c.Trading.Mode))
	}
	switch strings.ToLower(c.Trading.Broker) {
	case "", "dhan", "zerodha":
	default:
		return apperrors.NewConfigurationError("trading.broker",
			fmt.Sprintf("unknown broker %q (must be 'dhan' or 'zerodha')", c.Trading.Broker))
	}

	// Validate protection parameters
	if err := c.Protection.Strategy.Normalize().Validate(); err != nil {
		return apperrors.NewConfigurationError("protection", err.Error())
	}
	if c.Protection.AMOTime != "" && !models.AMOTime(c.Protection.AMOTime).Valid() {
		return apperrors.NewConfigurationError("protection.amo_time",
			fmt.Sprintf("unknown slot %q (PRE_OPEN, OPEN, OPEN_30, OPEN_60)", c.Protection.AMOTime))
	}
	if c.Protection.SubmitConcurrency < 1 || c.Protection.SubmitConcurrency > 4 {
		return apperrors.NewConfigurationError("protection.submit_concurrency", "must be between 1 and 4")
	}
	if c.Protection.ModifyEpsilon < 0 {
		return apperrors.NewConfigurationError("protection.modify_epsilon", "must be non-negative")
	}

	// Validate outbound HTTP
	if c.HTTP.Timeout <= 0 {
		return apperrors.NewConfigurationError("http.timeout", "must be positive")
	}
	if c.HTTP.RequestsPerSecond <= 0 {
		return apperrors.NewConfigurationError("http.requests_per_second", "must be positive")
	}

	if err := c.RefreshConfig().Validate(); err != nil {
		return err
	}

	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return apperrors.NewConfigurationError("scheduler.timezone", err.Error())
		}
	}

	if c.Notifications.Email.Enabled && c.Notifications.Email.SMTPPort <= 0 {
		return apperrors.NewConfigurationError("notifications.email.smtp_port", "must be positive")
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// OrchestratorConfig returns the reconciliation settings.
func (c *Config) OrchestratorConfig() trading.Config {
	return trading.Config{
		Strategy:          c.Protection.Strategy,
		ModifyEpsilon:     c.Protection.ModifyEpsilon,
		SubmitConcurrency: c.Protection.SubmitConcurrency,
		FetchConcurrency:  c.Protection.FetchConcurrency,
		AMOTime:           models.AMOTime(c.Protection.AMOTime),
		LookbackDays:      c.Protection.LookbackDays,
	}
}

// RefreshConfig returns the token renewal timing.
func (c *Config) RefreshConfig() security.RefreshConfig {
	return security.RefreshConfig{
		Interval:   c.Token.RefreshInterval,
		Lifetime:   c.Token.Lifetime,
		MaxTickGap: c.Token.MaxTickGap,
	}
}

// Location returns the scheduler's time zone, falling back to IST.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Scheduler.Timezone); err == nil && c.Scheduler.Timezone != "" {
		return loc
	}
	return utils.IndiaLocation
}
