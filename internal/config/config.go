package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	REST     RESTConfig     `yaml:"rest"`
	WS       WSConfig       `yaml:"ws"`
	Storage  StorageConfig  `yaml:"storage"`
	History  HistoryConfig  `yaml:"history"`
	Hedge    HedgeConfig    `yaml:"hedge"`
	Telegram TelegramConfig `yaml:"telegram"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	// Symbols to stream tickers for; their funding rates feed the
	// stats store. Empty disables the stream.
	Symbols []string `yaml:"symbols"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HistoryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

type HedgeConfig struct {
	QuoteCurrency     string        `yaml:"quote_currency"`
	TickOffset        int           `yaml:"tick_offset"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RepositionTimeout time.Duration `yaml:"reposition_timeout"`
	// MaxRepositions and MaxLifetime cap the reposition loop. Zero means
	// unbounded; the loop then runs until filled or cancelled.
	MaxRepositions int           `yaml:"max_repositions"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	MaxLeverage    float64       `yaml:"max_leverage"`
	MaxMarketAge   time.Duration `yaml:"max_market_age"`
}

type TelegramConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ChatID         string        `yaml:"chat_id"`
	AllowedUserIDs []int64       `yaml:"allowed_user_ids"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.bybit.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://stream.bybit.com/v5/public/linear"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/bybit-hedge-bot.db"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Hedge.QuoteCurrency == "" {
		cfg.Hedge.QuoteCurrency = "USDT"
	}
	if cfg.Hedge.TickOffset == 0 {
		cfg.Hedge.TickOffset = 10
	}
	if cfg.Hedge.PollInterval == 0 {
		cfg.Hedge.PollInterval = 500 * time.Millisecond
	}
	if cfg.Hedge.RepositionTimeout == 0 {
		cfg.Hedge.RepositionTimeout = 30 * time.Second
	}
	if cfg.Hedge.MaxLeverage == 0 {
		cfg.Hedge.MaxLeverage = 10
	}
	if cfg.Hedge.MaxMarketAge == 0 {
		cfg.Hedge.MaxMarketAge = 10 * time.Second
	}
	if cfg.Telegram.PollInterval == 0 {
		cfg.Telegram.PollInterval = 3 * time.Second
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9091"
	}
}

func validate(cfg *Config) error {
	if cfg.Hedge.TickOffset < 0 {
		return errors.New("hedge.tick_offset must be >= 0")
	}
	if cfg.Hedge.MaxLeverage <= 0 {
		return errors.New("hedge.max_leverage must be > 0")
	}
	if cfg.Hedge.MaxRepositions < 0 {
		return errors.New("hedge.max_repositions must be >= 0")
	}
	if cfg.Hedge.MaxLifetime < 0 {
		return errors.New("hedge.max_lifetime must be >= 0")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}
