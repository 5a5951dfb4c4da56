package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFile config file used when none is given. Missing is fine.
const DefaultFile = "config.json"

// ExchangeConfig Binance USDⓈ-M futures settings
type ExchangeConfig struct {
	BaseURL           string   `json:"base_url,omitempty" yaml:"base_url" env:"BINANCE_BASE_URL"`
	PermissionsURL    string   `json:"permissions_url,omitempty" yaml:"permissions_url" env:"BINANCE_PERMISSIONS_URL"` // Spot API host for the key restriction check
	SkipPermissions   bool     `json:"skip_permission_check,omitempty" yaml:"skip_permission_check" env:"BINANCE_SKIP_PERMISSION_CHECK"`
	Symbols           []string `json:"symbols" yaml:"symbols" env:"WATCH_SYMBOLS"` // Order history is per symbol on Binance
	RecentFillLimit   int      `json:"recent_fill_limit" yaml:"recent_fill_limit"`
	OrderLookback     int      `json:"order_lookback" yaml:"order_lookback"`
	RequestsPerSecond float64  `json:"requests_per_second" yaml:"requests_per_second"`
}

// JournalConfig CSV journal plus optional SQL mirror
type JournalConfig struct {
	CSVPath         string `json:"csv_path" yaml:"csv_path" env:"JOURNAL_CSV"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	SQLDriver       string `json:"sql_driver,omitempty" yaml:"sql_driver" env:"JOURNAL_SQL_DRIVER"` // "sqlite", "postgres" or empty
	SQLDSN          string `json:"sql_dsn,omitempty" yaml:"sql_dsn" env:"JOURNAL_SQL_DSN"`
}

// ChartConfig candlestick chart settings
type ChartConfig struct {
	Dir       string `json:"dir" yaml:"dir" env:"CHART_DIR"`
	Timeframe string `json:"timeframe" yaml:"timeframe"`
	Candles   int    `json:"candles" yaml:"candles"`
	Width     int    `json:"width,omitempty" yaml:"width"`
	Height    int    `json:"height,omitempty" yaml:"height"`
}

// AIConfig vision model used for trade critiques
type AIConfig struct {
	APIKey         string `json:"-" yaml:"-" env:"OPENAI_API_KEY"` // Server side only
	Model          string `json:"model" yaml:"model" env:"OPENAI_MODEL"`
	BaseURL        string `json:"base_url,omitempty" yaml:"base_url" env:"OPENAI_BASE_URL"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries"`
}

// NotifyConfig optional trade notification sinks
type NotifyConfig struct {
	TelegramBotToken string   `json:"-" yaml:"-" env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64    `json:"telegram_chat_id,omitempty" yaml:"telegram_chat_id" env:"TELEGRAM_CHAT_ID"`
	KafkaBrokers     []string `json:"kafka_brokers,omitempty" yaml:"kafka_brokers" env:"KAFKA_BROKERS"`
	KafkaTopic       string   `json:"kafka_topic,omitempty" yaml:"kafka_topic" env:"KAFKA_TOPIC"`
}

// Config main configuration
type Config struct {
	APIServerPort       int     `json:"api_server_port" yaml:"api_server_port" env:"PORT"`
	LogLevel            string  `json:"log_level" yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat           string  `json:"log_format" yaml:"log_format" env:"LOG_FORMAT"` // "json" or "console"
	PollIntervalSeconds float64 `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`

	Exchange ExchangeConfig `json:"exchange" yaml:"exchange"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
	Chart    ChartConfig    `json:"chart" yaml:"chart"`
	AI       AIConfig       `json:"ai" yaml:"ai"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
}

// LoadConfig loads configuration from file, then applies environment overrides.
// JSON or YAML is picked by extension. A missing DefaultFile yields defaults.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFile
	}

	var config Config
	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := unmarshal(filename, data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && filename == DefaultFile:
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func unmarshal(filename string, data []byte, out *Config) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, out)
	default:
		return json.Unmarshal(data, out)
	}
}

// Validate applies defaults and rejects values that cannot work
func (c *Config) Validate() error {
	if c.APIServerPort <= 0 {
		c.APIServerPort = 5000
	}
	if c.APIServerPort > 65535 {
		return fmt.Errorf("api_server_port %d out of range", c.APIServerPort)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	switch c.LogFormat {
	case "":
		c.LogFormat = "json"
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be 'json' or 'console'")
	}
	if c.PollIntervalSeconds < 0 {
		return fmt.Errorf("poll_interval_seconds cannot be negative")
	}
	if c.PollIntervalSeconds == 0 {
		c.PollIntervalSeconds = 1
	}

	if len(c.Exchange.Symbols) == 0 {
		c.Exchange.Symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	}
	for i, s := range c.Exchange.Symbols {
		c.Exchange.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if c.Exchange.RecentFillLimit < 0 || c.Exchange.OrderLookback < 0 || c.Exchange.RequestsPerSecond < 0 {
		return fmt.Errorf("exchange limits cannot be negative")
	}

	if c.Journal.CSVPath == "" {
		c.Journal.CSVPath = filepath.Join("record", "trading_journal.csv")
	}
	if c.Journal.CacheTTLSeconds < 0 {
		return fmt.Errorf("journal cache_ttl_seconds cannot be negative")
	}
	if c.Journal.CacheTTLSeconds == 0 {
		c.Journal.CacheTTLSeconds = 30
	}
	switch c.Journal.SQLDriver {
	case "":
	case "sqlite", "postgres":
		if c.Journal.SQLDSN == "" {
			return fmt.Errorf("journal sql_dsn must be configured when sql_driver is %q", c.Journal.SQLDriver)
		}
	default:
		return fmt.Errorf("journal sql_driver must be 'sqlite' or 'postgres'")
	}

	if c.Chart.Dir == "" {
		c.Chart.Dir = "chart"
	}
	if c.Chart.Timeframe == "" {
		c.Chart.Timeframe = "15m"
	}
	if c.Chart.Candles < 0 {
		return fmt.Errorf("chart candles cannot be negative")
	}

	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o"
	}
	if c.AI.TimeoutSeconds <= 0 {
		c.AI.TimeoutSeconds = 120
	}
	if c.AI.MaxRetries < 0 {
		return fmt.Errorf("ai max_retries cannot be negative")
	}

	if len(c.Notify.KafkaBrokers) > 0 && c.Notify.KafkaTopic == "" {
		c.Notify.KafkaTopic = "closed-trades"
	}
	if c.Notify.TelegramBotToken != "" && c.Notify.TelegramChatID == 0 {
		return fmt.Errorf("telegram_chat_id must be configured when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

// PollInterval monitor loop pause between iterations
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// CacheTTL lifetime of cached journal reads
func (c *JournalConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Timeout per critique request
func (c *AIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Describe words a timeframe the way the critique prompt expects, 15m ⇒ "15-minute"
func (c *ChartConfig) Describe() string {
	tf := c.Timeframe
	if len(tf) < 2 {
		return tf
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil {
		return tf
	}
	unit, ok := map[byte]string{'m': "minute", 'h': "hour", 'd': "day", 'w': "week"}[tf[len(tf)-1]]
	if !ok {
		return tf
	}
	return fmt.Sprintf("%d-%s", n, unit)
}
