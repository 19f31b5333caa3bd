package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/gregtusar/papertrader/pkg/models"
	"github.com/gregtusar/papertrader/pkg/secrets"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Market   MarketConfig   `mapstructure:"market"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// BackendConfig points at the simulated exchange. The session token comes
// from Token, TokenFile, or GCP Secret Manager, in that order.
type BackendConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Token     string        `mapstructure:"token"`
	TokenFile string        `mapstructure:"token_file"`
}

type MarketConfig struct {
	RESTURL           string  `mapstructure:"rest_url"`
	StreamURL         string  `mapstructure:"stream_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type TerminalConfig struct {
	Symbol            string        `mapstructure:"symbol"`
	Interval          string        `mapstructure:"interval"`
	Depth             int           `mapstructure:"depth"`
	CandleLimit       int           `mapstructure:"candle_limit"`
	OrderBookPoll     time.Duration `mapstructure:"orderbook_poll"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	MarkPriceMaxAge   time.Duration `mapstructure:"mark_price_max_age"`
	MarginAsset       string        `mapstructure:"margin_asset"`
	DefaultLeverage   int           `mapstructure:"default_leverage"`
	MaxLeverage       int           `mapstructure:"max_leverage"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
}

type FeedConfig struct {
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	TickerBackoffMin time.Duration `mapstructure:"ticker_backoff_min"`
	TickerBackoffMax time.Duration `mapstructure:"ticker_backoff_max"`
	KlineBackoffMin  time.Duration `mapstructure:"kline_backoff_min"`
	KlineBackoffMax  time.Duration `mapstructure:"kline_backoff_max"`
	PublishInterval  time.Duration `mapstructure:"publish_interval"`
}

type CacheConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID   string              `mapstructure:"project_id"`
	UseSecrets  bool                `mapstructure:"use_secrets"`
	SecretNames secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/papertrader")
	}

	v.SetEnvPrefix("PAPERTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("backend.base_url", "http://localhost:8000/api/v1")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.token_file", "")

	v.SetDefault("market.rest_url", "https://api.binance.com")
	v.SetDefault("market.stream_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("market.requests_per_second", 10.0)
	v.SetDefault("market.burst", 20)

	v.SetDefault("terminal.symbol", "BTCUSDT")
	v.SetDefault("terminal.interval", "1m")
	v.SetDefault("terminal.depth", 20)
	v.SetDefault("terminal.candle_limit", 1000)
	v.SetDefault("terminal.orderbook_poll", 2*time.Second)
	v.SetDefault("terminal.reconcile_interval", 3*time.Second)
	v.SetDefault("terminal.mark_price_max_age", 10*time.Second)
	v.SetDefault("terminal.margin_asset", "USDT")
	v.SetDefault("terminal.default_leverage", 10)
	v.SetDefault("terminal.max_leverage", 125)
	v.SetDefault("terminal.failure_threshold", 3)

	v.SetDefault("feed.stale_after", 30*time.Second)
	v.SetDefault("feed.ping_interval", 30*time.Second)
	v.SetDefault("feed.ticker_backoff_min", 250*time.Millisecond)
	v.SetDefault("feed.ticker_backoff_max", 5*time.Second)
	v.SetDefault("feed.kline_backoff_min", 2*time.Second)
	v.SetDefault("feed.kline_backoff_max", 30*time.Second)
	v.SetDefault("feed.publish_interval", 5*time.Second)

	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", 2*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.backend_token", secretNames.BackendToken)
}

func overrideFromEnv(config *Config) {
	if token := os.Getenv("SIM_EXCHANGE_TOKEN"); token != "" {
		config.Backend.Token = token
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.Cache.RedisURL = redisURL
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// Validate rejects settings the terminal cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Market.RESTURL == "" || c.Market.StreamURL == "" {
		errs = append(errs, errors.New("market.rest_url and market.stream_url are required"))
	}
	if !strings.HasSuffix(strings.ToUpper(c.Terminal.Symbol), "USDT") {
		errs = append(errs, fmt.Errorf("terminal.symbol %q must be a USDT pair", c.Terminal.Symbol))
	}
	if !models.ValidInterval(c.Terminal.Interval) {
		errs = append(errs, fmt.Errorf("terminal.interval %q is not supported", c.Terminal.Interval))
	}
	if c.Terminal.MaxLeverage < 1 {
		errs = append(errs, errors.New("terminal.max_leverage must be at least 1"))
	}
	if c.Terminal.DefaultLeverage < 1 || c.Terminal.DefaultLeverage > c.Terminal.MaxLeverage {
		errs = append(errs, fmt.Errorf("terminal.default_leverage %d must be within 1..%d",
			c.Terminal.DefaultLeverage, c.Terminal.MaxLeverage))
	}
	if c.GCP.UseSecrets && c.GCP.ProjectID == "" {
		errs = append(errs, errors.New("gcp.project_id is required when gcp.use_secrets is set"))
	}

	return errors.Join(errs...)
}
