package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string        `mapstructure:"token"`
	Password      string        `mapstructure:"password"`
	AdminUserID   int64         `mapstructure:"admin_user_id"`
	UpdateTimeout int           `mapstructure:"update_timeout"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
}

// WatchConfig drives the poll scheduler and the platform rate budget.
type WatchConfig struct {
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	MaxChats           int           `mapstructure:"max_chats"`
	APIRateLimit       int           `mapstructure:"api_rate_limit"`
	RateWindow         time.Duration `mapstructure:"rate_window"`
	FloodWaitThreshold time.Duration `mapstructure:"flood_wait_threshold"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	Keywords           []string      `mapstructure:"keywords"`
	Workers            int           `mapstructure:"workers"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MemoryConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// NotifyConfig controls match/alert delivery.
type NotifyConfig struct {
	ChatID       int64         `mapstructure:"chat_id"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RateLimitConfig limits control-surface commands per user. This is separate
// from the platform rate budget in watch.api_rate_limit.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	viper.SetEnvPrefix("")
	viper.BindEnv("bot.token", "BOT_TOKEN")
	viper.BindEnv("bot.password", "BOT_PASSWORD")
	viper.BindEnv("bot.admin_user_id", "ADMIN_USER_ID")
	viper.BindEnv("notify.chat_id", "NOTIFICATION_CHAT_ID")
	viper.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	viper.BindEnv("storage.redis.db", "REDIS_DB")
	viper.BindEnv("watch.max_chats", "MAX_CHATS")
	viper.BindEnv("watch.api_rate_limit", "API_RATE_LIMIT")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Redis host/port come as two env vars
	if redisHost := viper.GetString("REDIS_HOST"); redisHost != "" {
		redisPort := viper.GetString("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	// CHECK_INTERVAL and FLOOD_WAIT_THRESHOLD are plain seconds in the
	// environment, matching the deployed .env convention.
	if v := viper.GetInt("CHECK_INTERVAL"); v > 0 {
		config.Watch.CheckInterval = time.Duration(v) * time.Second
	}
	if v := viper.GetInt("FLOOD_WAIT_THRESHOLD"); v > 0 {
		config.Watch.FloodWaitThreshold = time.Duration(v) * time.Second
	}

	// KEYWORDS is a comma-separated seed list applied on first run only.
	if kw := viper.GetString("KEYWORDS"); kw != "" {
		config.Watch.Keywords = splitKeywords(kw)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func splitKeywords(s string) []string {
	var out []string
	for _, kw := range strings.Split(s, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Watch.CheckInterval <= 0 {
		cfg.Watch.CheckInterval = 60 * time.Second
	}
	if cfg.Watch.MaxChats <= 0 {
		cfg.Watch.MaxChats = 15
	}
	if cfg.Watch.APIRateLimit <= 0 {
		cfg.Watch.APIRateLimit = 30
	}
	if cfg.Watch.RateWindow <= 0 {
		cfg.Watch.RateWindow = time.Minute
	}
	if cfg.Watch.FloodWaitThreshold <= 0 {
		cfg.Watch.FloodWaitThreshold = 300 * time.Second
	}
	if cfg.Watch.FetchTimeout <= 0 {
		cfg.Watch.FetchTimeout = 30 * time.Second
	}
	if cfg.Watch.Workers <= 0 {
		cfg.Watch.Workers = 4
	}
	if cfg.Bot.UpdateTimeout <= 0 {
		cfg.Bot.UpdateTimeout = 60
	}
	if cfg.Bot.SessionTTL <= 0 {
		cfg.Bot.SessionTTL = 12 * time.Hour
	}
	if cfg.Notify.MaxRetries <= 0 {
		cfg.Notify.MaxRetries = 3
	}
	if cfg.Notify.RetryBackoff <= 0 {
		cfg.Notify.RetryBackoff = 2 * time.Second
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}
	if cfg.I18n.DefaultLanguage == "" {
		cfg.I18n.DefaultLanguage = "en"
	}
	if len(cfg.I18n.Languages) == 0 {
		cfg.I18n.Languages = []string{"en"}
	}
	if cfg.I18n.Directory == "" {
		cfg.I18n.Directory = "configs/i18n"
	}
}

// validateConfig refuses to start without the settings the scheduler and the
// control surface cannot run without.
func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot token is required")
	}
	if cfg.Bot.Password == "" {
		return fmt.Errorf("bot password is required")
	}
	if cfg.Bot.AdminUserID == 0 {
		return fmt.Errorf("admin user id is required")
	}
	if cfg.Storage.Type != "redis" && cfg.Storage.Type != "memory" {
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	return nil
}
