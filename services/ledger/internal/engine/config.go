package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultTxTimeout   = 5 * time.Second
	DefaultAmountScale = 18
	DefaultListLimit   = 200
	MaxListLimit       = 200
)

const defaultFeeRate = "0.001"

// Config is fixed at construction.
type Config struct {
	FeeRate     decimal.Decimal
	TxTimeout   time.Duration
	AmountScale int32
	Clock       func() time.Time
}

func DefaultConfig() Config {
	return Config{
		FeeRate:     decimal.RequireFromString(defaultFeeRate),
		TxTimeout:   DefaultTxTimeout,
		AmountScale: DefaultAmountScale,
	}
}

func (c Config) Validate() error {
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("fee rate must be in [0, 1), got %s", c.FeeRate)
	}
	if c.TxTimeout <= 0 {
		return fmt.Errorf("tx timeout must be positive")
	}
	if c.AmountScale <= 0 {
		return fmt.Errorf("amount scale must be positive")
	}
	return nil
}

func (c Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock().UTC()
	}
	return time.Now().UTC()
}
