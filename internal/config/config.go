// Package config loads ledgerd configuration from YAML files, LEDGER_* environment variables and defaults
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration
type Config struct {
	Environment  string             `mapstructure:"environment" yaml:"environment"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Redis        RedisConfig        `mapstructure:"redis" yaml:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka" yaml:"kafka"`
	Auth         AuthConfig         `mapstructure:"auth" yaml:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing" yaml:"tracing"`
	Settlement   SettlementConfig   `mapstructure:"settlement" yaml:"settlement"`
	Distribution DistributionConfig `mapstructure:"distribution" yaml:"distribution"`
	Transfer     TransferConfig     `mapstructure:"transfer" yaml:"transfer"`
	Custody      CustodyConfig      `mapstructure:"custody" yaml:"custody"`
	Withdrawal   WithdrawalConfig   `mapstructure:"withdrawal" yaml:"withdrawal"`
	Revenue      RevenueConfig      `mapstructure:"revenue" yaml:"revenue"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RateLimit caps requests per caller per RateWindow; enforced only with Redis
	RateLimit  int           `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window" yaml:"rate_window"`
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver" yaml:"driver"` // postgres or sqlite
	DSN             string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address" yaml:"address"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// Enabled reports whether a Redis address was configured
func (r RedisConfig) Enabled() bool { return r.Address != "" }

type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers" yaml:"brokers"`
	InteractionsTopic  string   `mapstructure:"interactions_topic" yaml:"interactions_topic"`
	NotificationsTopic string   `mapstructure:"notifications_topic" yaml:"notifications_topic"`
}

// Enabled reports whether any Kafka broker was configured
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type AuthConfig struct {
	JWTSecret    string   `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	ServiceToken string   `mapstructure:"service_token" yaml:"service_token"`
	AdminIDs     []string `mapstructure:"admin_ids" yaml:"admin_ids"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Metrics also exports OpenTelemetry metrics to stdout
	Metrics bool `mapstructure:"metrics" yaml:"metrics"`
}

type SettlementConfig struct {
	FeeRate    string `mapstructure:"fee_rate" yaml:"fee_rate"`
	RatioTable string `mapstructure:"ratio_table" yaml:"ratio_table"`
}

// RatioTableConfig declares one fee split. Shares are percentages keyed by pool category.
type RatioTableConfig struct {
	Shares    map[string]string `mapstructure:"shares" yaml:"shares"`
	Remainder string            `mapstructure:"remainder" yaml:"remainder"`
}

type DistributionConfig struct {
	Tables map[string]RatioTableConfig `mapstructure:"tables" yaml:"tables"`
}

type TransferConfig struct {
	Limit  int           `mapstructure:"limit" yaml:"limit"`
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

type CustodyConfig struct {
	GraceDays     int    `mapstructure:"grace_days" yaml:"grace_days"`
	SweepSchedule string `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
}

type WithdrawalConfig struct {
	MinWalletAge          time.Duration `mapstructure:"min_wallet_age" yaml:"min_wallet_age"`
	MinAmount             int64         `mapstructure:"min_amount" yaml:"min_amount"`
	HighValueThreshold    int64         `mapstructure:"high_value_threshold" yaml:"high_value_threshold"`
	LargeDepositThreshold int64         `mapstructure:"large_deposit_threshold" yaml:"large_deposit_threshold"`
	CooldownWindow        time.Duration `mapstructure:"cooldown_window" yaml:"cooldown_window"`
}

type RevenueConfig struct {
	ReinvestRate string `mapstructure:"reinvest_rate" yaml:"reinvest_rate"`
	RatioTable   string `mapstructure:"ratio_table" yaml:"ratio_table"`
}

// Load reads configuration from the given files (the first existing default
// path when none is given), then environment variables prefixed LEDGER_.
func Load(log *zap.Logger, configPaths ...string) (*Config, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if len(configPaths) == 0 {
		configPaths = []string{"./config.yaml", "./configs/ledgerd.yaml", "/etc/ledgerd/config.yaml"}
	}
	var loaded []string
	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	if len(loaded) == 0 {
		log.Warn("No configuration files found, using defaults and environment variables")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.Strings("files", loaded),
		zap.String("db_driver", cfg.Database.Driver))
	return &cfg, nil
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.rate_window", time.Minute)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:ledger.db?_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.interactions_topic", "ledger.interactions")
	v.SetDefault("kafka.notifications_topic", "ledger.notifications")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.service_token", "")
	v.SetDefault("auth.admin_ids", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.metrics", false)

	v.SetDefault("settlement.fee_rate", "0.05")
	v.SetDefault("settlement.ratio_table", "marketplace")

	v.SetDefault("distribution.tables", map[string]interface{}{
		"marketplace": map[string]interface{}{
			"shares": map[string]interface{}{
				"company":      "25",
				"gamecard":     "25",
				"palette":      "25",
				"opening":      "15",
				"platform_ops": "10",
			},
			"remainder": "company",
		},
		"product": map[string]interface{}{
			"shares": map[string]interface{}{
				"gamecard":        "40",
				"palette":         "35",
				"opening":         "20",
				"creator_royalty": "5",
			},
			"remainder": "gamecard",
		},
	})

	v.SetDefault("transfer.limit", 3)
	v.SetDefault("transfer.window", 24*time.Hour)

	v.SetDefault("custody.grace_days", 7)
	v.SetDefault("custody.sweep_schedule", "0 */15 * * * *")

	v.SetDefault("withdrawal.min_wallet_age", 7*24*time.Hour)
	v.SetDefault("withdrawal.min_amount", 1000)
	v.SetDefault("withdrawal.high_value_threshold", 50000)
	v.SetDefault("withdrawal.large_deposit_threshold", 10000)
	v.SetDefault("withdrawal.cooldown_window", 24*time.Hour)

	v.SetDefault("revenue.reinvest_rate", "0.17")
	v.SetDefault("revenue.ratio_table", "product")
}

// Validate checks values that would otherwise fail deep inside a request
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if _, err := c.FeeRate(); err != nil {
		return err
	}
	if _, err := c.ReinvestRate(); err != nil {
		return err
	}
	if _, ok := c.Distribution.Tables[c.Settlement.RatioTable]; !ok {
		return fmt.Errorf("settlement ratio table %q is not defined", c.Settlement.RatioTable)
	}
	if _, ok := c.Distribution.Tables[c.Revenue.RatioTable]; !ok {
		return fmt.Errorf("revenue ratio table %q is not defined", c.Revenue.RatioTable)
	}
	if c.Transfer.Limit <= 0 || c.Transfer.Window <= 0 {
		return fmt.Errorf("transfer limit and window must be positive")
	}
	if c.Custody.GraceDays <= 0 {
		return fmt.Errorf("custody grace_days must be positive")
	}
	return nil
}

// FeeRate parses the marketplace fee rate
func (c *Config) FeeRate() (decimal.Decimal, error) {
	return parseRate("settlement.fee_rate", c.Settlement.FeeRate)
}

// ReinvestRate parses the share of product net profit reinvested into pools
func (c *Config) ReinvestRate() (decimal.Decimal, error) {
	return parseRate("revenue.reinvest_rate", c.Revenue.ReinvestRate)
}

func parseRate(key, raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%s must be between 0 and 1, got %s", key, raw)
	}
	return rate, nil
}

const redacted = "[redacted]"

// YAML renders the effective configuration with secrets masked
func (c *Config) YAML() ([]byte, error) {
	out := *c
	for _, secret := range []*string{&out.Auth.JWTSecret, &out.Auth.ServiceToken, &out.Redis.Password} {
		if *secret != "" {
			*secret = redacted
		}
	}
	return yaml.Marshal(&out)
}
