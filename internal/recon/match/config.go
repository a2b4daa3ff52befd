package match

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultDateWindowDays is the settlement-lag window applied when the caller
// does not override it.
const DefaultDateWindowDays = 3

// Config controls pair eligibility for a matching run.
type Config struct {
	// AmountTolerance is the maximum absolute amount difference still
	// considered the same movement. Zero requires exact equality.
	AmountTolerance decimal.Decimal
	// DateWindowDays bounds the calendar-day distance between the ledger
	// date and the statement date.
	DateWindowDays int
}

// DefaultConfig returns the engine defaults: exact amounts, ±3 days.
func DefaultConfig() Config {
	return Config{
		AmountTolerance: decimal.Zero,
		DateWindowDays:  DefaultDateWindowDays,
	}
}

// ErrInvalidConfig indicates the matching configuration is unusable.
var ErrInvalidConfig = errors.New("match: invalid config")

// Validate rejects negative tolerances and windows.
func (c Config) Validate() error {
	if c.AmountTolerance.IsNegative() {
		return fmt.Errorf("%w: amount tolerance must not be negative", ErrInvalidConfig)
	}
	if c.DateWindowDays < 0 {
		return fmt.Errorf("%w: date window must not be negative", ErrInvalidConfig)
	}
	return nil
}
