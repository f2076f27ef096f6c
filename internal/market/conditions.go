package market

import (
	"math/big"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Field names used in logs and metrics.
const (
	FieldNativePrice = "native_price"
	FieldBaseFee     = "base_fee"
	FieldGasEstimate = "gas_estimate"
)

// Conditions is an immutable snapshot of the market inputs used for fee bidding.
// A field that has never been read successfully is unknown, which is distinct from zero.
type Conditions struct {
	NativePriceUSD decimal.NullDecimal
	BaseFee        *big.Int
	GasEstimate    *big.Int
	UpdatedAt      time.Time
}

// Complete reports whether every field is known.
func (c *Conditions) Complete() bool {
	return len(c.Missing()) == 0
}

// Missing returns the names of the unknown fields.
func (c *Conditions) Missing() []string {
	var missing []string
	if !c.NativePriceUSD.Valid {
		missing = append(missing, FieldNativePrice)
	}
	if c.BaseFee == nil {
		missing = append(missing, FieldBaseFee)
	}
	if c.GasEstimate == nil {
		missing = append(missing, FieldGasEstimate)
	}
	return missing
}

// Store publishes whole snapshots. Readers always see a complete Conditions value.
type Store struct {
	current atomic.Pointer[Conditions]
}

// NewStore creates a store holding an all-unknown snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Conditions{})
	return s
}

// Load returns the latest snapshot. Callers must not mutate it.
func (s *Store) Load() *Conditions {
	return s.current.Load()
}

// Replace publishes c as the latest snapshot.
func (s *Store) Replace(c *Conditions) {
	s.current.Store(c)
}
