package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	base "github.com/AfshinJalili/coinledger/libs/config"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type DBConfig struct {
	Host             string
	Port             int
	Name             string
	User             string
	Password         string
	SSLMode          string
	URL              string
	AutoMigrate      bool
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

// DSN returns DATABASE_URL when set, otherwise a URL built from the parts.
func (c DBConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type StoreConfig struct {
	Driver string
}

type EngineConfig struct {
	FeeRate   decimal.Decimal
	TxTimeout time.Duration
}

type KafkaTopics struct {
	Commands     string
	Transactions string
	Balances     string
	DeadLetter   string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ConsumerGroup string
	MaxAttempts   int
	RetryElapsed  time.Duration
	Topics        KafkaTopics
}

type GatewayConfig struct {
	AllowOrigin    string
	RateLimitRPS   float64
	RateLimitBurst int
}

type Config struct {
	App     base.AppConfig
	Store   StoreConfig
	DB      DBConfig
	Engine  EngineConfig
	Kafka   KafkaConfig
	Gateway GatewayConfig
}

func Load() (*Config, error) {
	path := os.Getenv("CEX_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	return fromViper(v, *appCfg)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "cex_core")
	v.SetDefault("db.user", "cex")
	v.SetDefault("db.password", "cex")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.auto_migrate", false)
	v.SetDefault("db.lock_timeout", "2s")
	v.SetDefault("db.statement_timeout", "5s")
	v.SetDefault("engine.fee_rate", "0.001")
	v.SetDefault("engine.tx_timeout", "5s")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "ledger-service")
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.retry_elapsed", "30s")
	v.SetDefault("kafka.topics.commands", "ledger.commands")
	v.SetDefault("kafka.topics.transactions", "ledger.transactions")
	v.SetDefault("kafka.topics.balances", "balances.updated")
	v.SetDefault("kafka.topics.dead_letter", "ledger.dlq")
	v.SetDefault("gateway.allow_origin", "*")
	v.SetDefault("gateway.rate_limit_rps", 50.0)
	v.SetDefault("gateway.rate_limit_burst", 100)
}

func fromViper(v *viper.Viper, app base.AppConfig) (*Config, error) {
	setDefaults(v)

	feeRaw := envString("LEDGER_FEE_RATE", v.GetString("engine.fee_rate"))
	feeRate, err := decimal.NewFromString(strings.TrimSpace(feeRaw))
	if err != nil {
		return nil, fmt.Errorf("engine.fee_rate %q: %w", feeRaw, err)
	}

	cfg := &Config{
		App: app,
		Store: StoreConfig{
			Driver: strings.ToLower(envString("LEDGER_STORE", v.GetString("store.driver"))),
		},
		DB: DBConfig{
			Host:             envString("POSTGRES_HOST", v.GetString("db.host")),
			Port:             envInt("POSTGRES_PORT", v.GetInt("db.port")),
			Name:             envString("POSTGRES_DB", v.GetString("db.name")),
			User:             envString("POSTGRES_USER", v.GetString("db.user")),
			Password:         envString("POSTGRES_PASSWORD", v.GetString("db.password")),
			SSLMode:          envString("POSTGRES_SSLMODE", v.GetString("db.sslmode")),
			URL:              strings.TrimSpace(os.Getenv("DATABASE_URL")),
			AutoMigrate:      envBool("LEDGER_AUTO_MIGRATE", v.GetBool("db.auto_migrate")),
			LockTimeout:      v.GetDuration("db.lock_timeout"),
			StatementTimeout: v.GetDuration("db.statement_timeout"),
		},
		Engine: EngineConfig{
			FeeRate:   feeRate,
			TxTimeout: envDuration("LEDGER_TX_TIMEOUT", v.GetDuration("engine.tx_timeout")),
		},
		Kafka: KafkaConfig{
			Enabled:       envBool("KAFKA_ENABLED", v.GetBool("kafka.enabled")),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			MaxAttempts:   v.GetInt("kafka.max_attempts"),
			RetryElapsed:  v.GetDuration("kafka.retry_elapsed"),
			Topics: KafkaTopics{
				Commands:     v.GetString("kafka.topics.commands"),
				Transactions: v.GetString("kafka.topics.transactions"),
				Balances:     v.GetString("kafka.topics.balances"),
				DeadLetter:   v.GetString("kafka.topics.dead_letter"),
			},
		},
		Gateway: GatewayConfig{
			AllowOrigin:    v.GetString("gateway.allow_origin"),
			RateLimitRPS:   v.GetFloat64("gateway.rate_limit_rps"),
			RateLimitBurst: v.GetInt("gateway.rate_limit_burst"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Store.Driver)
	}
	if c.Store.Driver == DriverPostgres && c.DB.URL == "" {
		if c.DB.Host == "" || c.DB.Name == "" {
			return fmt.Errorf("postgres host and database name required")
		}
		if c.DB.Port <= 0 {
			return fmt.Errorf("POSTGRES_PORT must be positive")
		}
	}
	if c.Engine.FeeRate.IsNegative() || c.Engine.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("engine.fee_rate must be in [0, 1)")
	}
	if c.Engine.TxTimeout <= 0 {
		return fmt.Errorf("engine.tx_timeout must be positive")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.Commands == "" || c.Kafka.Topics.Transactions == "" || c.Kafka.Topics.Balances == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	if c.Gateway.RateLimitRPS < 0 || c.Gateway.RateLimitBurst < 0 {
		return fmt.Errorf("gateway rate limit must not be negative")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
