// Package config loads service settings from an optional .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the API and worker binaries.
type Config struct {
	AWSRegion           string `mapstructure:"AWS_REGION"`
	AWSEndpointOverride string `mapstructure:"AWS_ENDPOINT_OVERRIDE"`

	OrdersTable       string `mapstructure:"ORDERS_TABLE"`
	OrderItemsTable   string `mapstructure:"ORDER_ITEMS_TABLE"`
	PointsLedgerTable string `mapstructure:"POINTS_LEDGER_TABLE"`
	UsersTable        string `mapstructure:"USERS_TABLE"`
	ProductsTable     string `mapstructure:"PRODUCTS_TABLE"`
	IdempotencyTable  string `mapstructure:"IDEMPOTENCY_TABLE"`
	OrdersQueueURL    string `mapstructure:"ORDERS_QUEUE_URL"`
	MetricsNamespace  string `mapstructure:"METRICS_NAMESPACE"`

	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
	RunLocal  bool   `mapstructure:"RUN_LOCAL"`
	HTTPAddr  string `mapstructure:"HTTP_ADDR"`

	PaymentWindow  time.Duration `mapstructure:"PAYMENT_WINDOW"`
	ShippingFee    int64         `mapstructure:"SHIPPING_FEE"` // minor units
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	LedgerPageSize int           `mapstructure:"LEDGER_PAGE_SIZE"`
	LocalLedgerCap int           `mapstructure:"LOCAL_LEDGER_CAP"`
	SessionIdle    time.Duration `mapstructure:"SESSION_IDLE"`
}

var defaults = map[string]any{
	"AWS_REGION":            "us-east-1",
	"AWS_ENDPOINT_OVERRIDE": "",
	"ORDERS_TABLE":          "orders",
	"ORDER_ITEMS_TABLE":     "order_items",
	"POINTS_LEDGER_TABLE":   "points_ledger",
	"USERS_TABLE":           "users",
	"PRODUCTS_TABLE":        "products",
	"IDEMPOTENCY_TABLE":     "idempotency",
	"ORDERS_QUEUE_URL":      "",
	"METRICS_NAMESPACE":     "Storefront/Orders",
	"REDIS_ADDR":            "",
	"REDIS_PASSWORD":        "",
	"SESSION_TTL":           "168h",
	"JWT_SECRET":            "",
	"LOG_LEVEL":             "info",
	"LOG_PRETTY":            false,
	"RUN_LOCAL":             false,
	"HTTP_ADDR":             ":8080",
	"PAYMENT_WINDOW":        "30m",
	"SHIPPING_FEE":          0,
	"IDEMPOTENCY_TTL":       "48h",
	"LEDGER_PAGE_SIZE":      20,
	"LOCAL_LEDGER_CAP":      50,
	"SESSION_IDLE":          "30m",
}

// Load reads envFile when it exists, then lets environment variables win.
// An empty envFile skips the file entirely.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", envFile, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// minJWTSecretLen matches the shortest HS256 key the verifier accepts.
const minJWTSecretLen = 32

// RequireJWTSecret reports a missing or short JWT_SECRET. Only processes that
// verify tokens call it.
func (c *Config) RequireJWTSecret() error {
	if len(c.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be set to at least %d bytes", minJWTSecretLen)
	}
	return nil
}

func (c *Config) validate() error {
	if c.PaymentWindow <= 0 {
		return fmt.Errorf("PAYMENT_WINDOW must be positive, got %s", c.PaymentWindow)
	}
	if c.ShippingFee < 0 {
		return fmt.Errorf("SHIPPING_FEE must not be negative, got %d", c.ShippingFee)
	}
	if c.LedgerPageSize <= 0 {
		return fmt.Errorf("LEDGER_PAGE_SIZE must be positive, got %d", c.LedgerPageSize)
	}
	if c.SessionIdle <= 0 {
		return fmt.Errorf("SESSION_IDLE must be positive, got %s", c.SessionIdle)
	}
	if c.LocalLedgerCap < c.LedgerPageSize {
		return fmt.Errorf("LOCAL_LEDGER_CAP (%d) must not be below LEDGER_PAGE_SIZE (%d)", c.LocalLedgerCap, c.LedgerPageSize)
	}
	return nil
}
