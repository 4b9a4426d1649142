package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/punchamoorthee/numbroker/internal/domain"
)

type Config struct {
	DBDriver string
	DBSource string
	BoltPath string
	Port     string
	Env      string
	LogLevel string

	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	TelegramToken      string
	TelegramLogChannel string

	PriceMultiplier         decimal.Decimal
	FailedPurchaseThreshold domain.Money
	FailedPurchaseWindow    time.Duration
	SafetyMultiplier        decimal.Decimal

	CancelRetryInterval time.Duration
	CancelRetryMaxAge   time.Duration
	AutoRefundInterval  time.Duration
	PriceCacheSize      int
}

func defaults(v *viper.Viper) {
	v.SetDefault("DB_DRIVER", "bolt")
	v.SetDefault("BOLT_PATH", "numbroker.db")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PROVIDER_BASE_URL", "https://api.sms-activate.ae/stubs/handler_api.php")
	v.SetDefault("PROVIDER_TIMEOUT", 10*time.Second)
	v.SetDefault("PRICE_MULTIPLIER", "2.0")
	v.SetDefault("FAILED_PURCHASE_THRESHOLD", "20.00")
	v.SetDefault("FAILED_PURCHASE_WINDOW", 1200*time.Second)
	v.SetDefault("SAFETY_BALANCE_MULTIPLIER", "2.0")
	v.SetDefault("CANCEL_RETRY_INTERVAL", 180*time.Second)
	v.SetDefault("CANCEL_RETRY_MAX_AGE", 1200*time.Second)
	v.SetDefault("AUTO_REFUND_INTERVAL", 300*time.Second)
	v.SetDefault("PRICE_CACHE_SIZE", 4096)
}

// Load reads defaults, then the optional YAML file at path, then the
// environment. Environment variables win.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		DBDriver:             strings.ToLower(v.GetString("DB_DRIVER")),
		DBSource:             v.GetString("DB_SOURCE"),
		BoltPath:             v.GetString("BOLT_PATH"),
		Port:                 v.GetString("SERVER_PORT"),
		Env:                  v.GetString("ENVIRONMENT"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		ProviderBaseURL:      v.GetString("PROVIDER_BASE_URL"),
		ProviderAPIKey:       v.GetString("PROVIDER_API_KEY"),
		ProviderTimeout:      v.GetDuration("PROVIDER_TIMEOUT"),
		TelegramToken:        v.GetString("TELEGRAM_BOT_TOKEN"),
		TelegramLogChannel:   v.GetString("TELEGRAM_LOG_CHANNEL"),
		FailedPurchaseWindow: v.GetDuration("FAILED_PURCHASE_WINDOW"),
		CancelRetryInterval:  v.GetDuration("CANCEL_RETRY_INTERVAL"),
		CancelRetryMaxAge:    v.GetDuration("CANCEL_RETRY_MAX_AGE"),
		AutoRefundInterval:   v.GetDuration("AUTO_REFUND_INTERVAL"),
		PriceCacheSize:       v.GetInt("PRICE_CACHE_SIZE"),
	}

	var err error
	if cfg.PriceMultiplier, err = positiveDecimal(v, "PRICE_MULTIPLIER"); err != nil {
		return nil, err
	}
	if cfg.SafetyMultiplier, err = positiveDecimal(v, "SAFETY_BALANCE_MULTIPLIER"); err != nil {
		return nil, err
	}
	if cfg.FailedPurchaseThreshold, err = domain.ParseMoney(v.GetString("FAILED_PURCHASE_THRESHOLD")); err != nil {
		return nil, fmt.Errorf("FAILED_PURCHASE_THRESHOLD: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func positiveDecimal(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func (c *Config) validate() error {
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY environment variable is required")
	}
	switch c.DBDriver {
	case "postgres":
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required for postgres")
		}
	case "bolt":
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH must not be empty")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want postgres or bolt)", c.DBDriver)
	}
	for key, d := range map[string]time.Duration{
		"PROVIDER_TIMEOUT":       c.ProviderTimeout,
		"FAILED_PURCHASE_WINDOW": c.FailedPurchaseWindow,
		"CANCEL_RETRY_INTERVAL":  c.CancelRetryInterval,
		"CANCEL_RETRY_MAX_AGE":   c.CancelRetryMaxAge,
		"AUTO_REFUND_INTERVAL":   c.AutoRefundInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", key)
		}
	}
	return nil
}
