package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/whatsapp-automation/dashboard/internal/legacy"
	"github.com/whatsapp-automation/dashboard/internal/session"
)

// EnvPrefix prefixes every environment override, e.g. DASHBOARD_PORT.
const EnvPrefix = "DASHBOARD"

// Config is the resolved service configuration.
type Config struct {
	Port              int
	DataDir           string
	AuthDir           string
	ProfileDir        string
	DBPath            string
	LogLevel          string
	WhatsmeowLogLevel string

	InitTimeout     time.Duration
	FetchTimeout    time.Duration
	TeardownTimeout time.Duration
	DownloadTimeout time.Duration
	RetryDelay      time.Duration
	RetryDelaySlow  time.Duration
	MaxInitRetries  int
	SyncOnReady     bool

	Legacy   LegacyConfig
	Proxy    *ProxyPool
	Telegram TelegramConfig
}

// LegacyConfig configures the single-session service.
type LegacyConfig struct {
	Enabled      bool
	AuthDir      string
	DBPath       string
	PollInterval time.Duration
	RestartDelay time.Duration
}

// TelegramConfig configures operator alerts. An empty token disables them.
type TelegramConfig struct {
	Token  string
	ChatID string
	APIURL string
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 3000)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("auth_dir", "")
	v.SetDefault("profile_dir", "")
	v.SetDefault("db_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("whatsmeow_log_level", "WARN")

	v.SetDefault("init_timeout", "90s")
	v.SetDefault("fetch_timeout", "10s")
	v.SetDefault("teardown_timeout", "5s")
	v.SetDefault("download_timeout", "60s")
	v.SetDefault("sync_on_ready", true)
	v.SetDefault("retry_delay", "5s")
	v.SetDefault("retry_delay_slow", "10s")
	v.SetDefault("max_init_retries", 3)

	v.SetDefault("legacy.enabled", true)
	v.SetDefault("legacy.auth_dir", "")
	v.SetDefault("legacy.db_path", "")
	v.SetDefault("legacy.poll_interval", "30s")
	v.SetDefault("legacy.restart_delay", "3s")

	v.SetDefault("proxy.host", "")
	v.SetDefault("proxy.port", "")
	v.SetDefault("proxy.user", "")
	v.SetDefault("proxy.pass", "")
	v.SetDefault("proxy.type", "socks5")
	v.SetDefault("proxy.list", "")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
}

// New returns a viper instance bound to the environment with defaults set.
// A .env file in the working directory is loaded first when present.
func New(configFile string) (*viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load resolves the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	dataDir := v.GetString("data_dir")
	orDefault := func(key, fallback string) string {
		if s := v.GetString(key); s != "" {
			return s
		}
		return fallback
	}

	cfg := &Config{
		Port:              v.GetInt("port"),
		DataDir:           dataDir,
		AuthDir:           orDefault("auth_dir", filepath.Join(dataDir, "auth")),
		ProfileDir:        orDefault("profile_dir", filepath.Join(dataDir, "profiles")),
		DBPath:            orDefault("db_path", filepath.Join(dataDir, "accounts.db")),
		LogLevel:          v.GetString("log_level"),
		WhatsmeowLogLevel: strings.ToUpper(v.GetString("whatsmeow_log_level")),

		InitTimeout:     v.GetDuration("init_timeout"),
		FetchTimeout:    v.GetDuration("fetch_timeout"),
		TeardownTimeout: v.GetDuration("teardown_timeout"),
		DownloadTimeout: v.GetDuration("download_timeout"),
		RetryDelay:      v.GetDuration("retry_delay"),
		RetryDelaySlow:  v.GetDuration("retry_delay_slow"),
		MaxInitRetries:  v.GetInt("max_init_retries"),
		SyncOnReady:     v.GetBool("sync_on_ready"),

		Legacy: LegacyConfig{
			Enabled:      v.GetBool("legacy.enabled"),
			AuthDir:      orDefault("legacy.auth_dir", filepath.Join(dataDir, "legacy")),
			DBPath:       orDefault("legacy.db_path", filepath.Join(dataDir, "legacy.db")),
			PollInterval: v.GetDuration("legacy.poll_interval"),
			RestartDelay: v.GetDuration("legacy.restart_delay"),
		},
		Proxy: LoadProxyPool(v),
		Telegram: TelegramConfig{
			Token:  v.GetString("telegram.token"),
			ChatID: v.GetString("telegram.chat_id"),
			APIURL: v.GetString("telegram.api_url"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.AuthDir, validation.Required),
		validation.Field(&c.ProfileDir, validation.Required),
		validation.Field(&c.DBPath, validation.Required),
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "warning", "error", "fatal", "panic")),
		validation.Field(&c.WhatsmeowLogLevel, validation.In("DEBUG", "INFO", "WARN", "ERROR")),
		validation.Field(&c.InitTimeout, validation.Required),
		validation.Field(&c.FetchTimeout, validation.Required),
		validation.Field(&c.TeardownTimeout, validation.Required),
		validation.Field(&c.DownloadTimeout, validation.Required),
		validation.Field(&c.MaxInitRetries, validation.Min(0)),
	)
	if err != nil {
		return err
	}
	if c.Legacy.Enabled {
		if c.Legacy.AuthDir == c.AuthDir || c.Legacy.DBPath == c.DBPath {
			return errors.New("legacy auth dir and database must differ from the session ones")
		}
		if c.Legacy.PollInterval <= 0 {
			return errors.New("legacy.poll_interval must be positive")
		}
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == "" {
		return errors.New("telegram.chat_id is required when telegram.token is set")
	}
	return nil
}

// Session returns the lifecycle manager settings.
func (c *Config) Session() session.Config {
	cfg := session.DefaultConfig()
	cfg.InitTimeout = c.InitTimeout
	cfg.FetchTimeout = c.FetchTimeout
	cfg.TeardownTimeout = c.TeardownTimeout
	cfg.DownloadTimeout = c.DownloadTimeout
	cfg.SyncOnReady = c.SyncOnReady
	cfg.RetryDelay = c.RetryDelay
	cfg.RetryDelaySlow = c.RetryDelaySlow
	cfg.MaxInitRetries = c.MaxInitRetries
	return cfg
}

// Workspace returns the on-disk layout for managed sessions.
func (c *Config) Workspace() session.Workspace {
	return session.Workspace{AuthDir: c.AuthDir, ProfileDir: c.ProfileDir}
}

// LegacyWorkspace returns the on-disk layout of the single-session service.
// Pairing images share the profile root since the legacy id is reserved.
func (c *Config) LegacyWorkspace() session.Workspace {
	return session.Workspace{AuthDir: c.Legacy.AuthDir, ProfileDir: c.ProfileDir}
}

// LegacyService returns the single-session service settings.
func (c *Config) LegacyService() legacy.Config {
	return legacy.Config{
		InitTimeout:     c.InitTimeout,
		TeardownTimeout: c.TeardownTimeout,
		RetryDelay:      c.RetryDelay,
		MaxInitRetries:  c.MaxInitRetries,
		PollInterval:    c.Legacy.PollInterval,
		RestartDelay:    c.Legacy.RestartDelay,
	}
}
