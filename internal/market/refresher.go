// Package market keeps the shared native price, base fee and gas estimate snapshot current.
package market

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"arbwatcher/internal/metrics"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var errNoBaseFee = errors.New("base fee source returned no value")

// PriceOracle reads the native token price in USD.
type PriceOracle interface {
	NativePriceUSD(ctx context.Context) (decimal.Decimal, error)
}

// BaseFeeSource reads the current network base fee in the smallest fee unit.
type BaseFeeSource interface {
	BaseFee(ctx context.Context) (*big.Int, error)
}

// GasProbe estimates the gas limit of a fixed representative swap.
type GasProbe interface {
	EstimateSwapGas(ctx context.Context) (uint64, error)
}

// Refresher periodically rebuilds the market snapshot.
type Refresher struct {
	store    *Store
	oracle   PriceOracle
	fees     BaseFeeSource
	gas      GasProbe
	interval time.Duration
	metrics  *metrics.Metrics

	running atomic.Bool
}

// NewRefresher creates a refresher publishing into store every interval.
func NewRefresher(store *Store, oracle PriceOracle, fees BaseFeeSource, gas GasProbe, interval time.Duration, m *metrics.Metrics) *Refresher {
	return &Refresher{
		store:    store,
		oracle:   oracle,
		fees:     fees,
		gas:      gas,
		interval: interval,
		metrics:  m,
	}
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
// Ticks that arrive while a refresh is still running are dropped by the ticker.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Msg("Starting market refresher")

	r.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh runs one cycle and publishes a new snapshot. It returns false without doing
// anything when another cycle is already in progress.
func (r *Refresher) Refresh(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		log.Debug().Msg("Market refresh already running, skipping")
		return false
	}
	defer r.running.Store(false)

	start := time.Now()
	prev := r.store.Load()
	next := &Conditions{
		NativePriceUSD: prev.NativePriceUSD,
		BaseFee:        prev.BaseFee,
		GasEstimate:    prev.GasEstimate,
		UpdatedAt:      start,
	}

	if price, err := readWithTimeout(ctx, r.interval, r.oracle.NativePriceUSD); err != nil {
		r.readFailed(FieldNativePrice, err)
	} else {
		next.NativePriceUSD = decimal.NewNullDecimal(price)
	}

	if baseFee, err := readWithTimeout(ctx, r.interval, r.fees.BaseFee); err != nil {
		r.readFailed(FieldBaseFee, err)
	} else if baseFee == nil {
		r.readFailed(FieldBaseFee, errNoBaseFee)
	} else {
		next.BaseFee = baseFee
	}

	if gas, err := readWithTimeout(ctx, r.interval, r.gas.EstimateSwapGas); err != nil {
		r.readFailed(FieldGasEstimate, err)
	} else {
		next.GasEstimate = new(big.Int).SetUint64(gas)
	}

	r.store.Replace(next)

	if r.metrics != nil {
		r.metrics.RecordMarketRefresh(time.Since(start))
		r.metrics.SetMarketConditions(
			next.NativePriceUSD.Decimal.InexactFloat64(),
			bigToFloat(next.BaseFee),
			bigToFloat(next.GasEstimate),
		)
	}

	ev := log.Debug()
	if next.NativePriceUSD.Valid {
		ev = ev.Str("native_price_usd", next.NativePriceUSD.Decimal.String())
	}
	if next.BaseFee != nil {
		ev = ev.Str("base_fee", next.BaseFee.String())
	}
	if next.GasEstimate != nil {
		ev = ev.Str("gas_estimate", next.GasEstimate.String())
	}
	ev.Dur("duration", time.Since(start)).Msg("Market conditions refreshed")

	return true
}

func (r *Refresher) readFailed(field string, err error) {
	log.Warn().Err(err).Str("field", field).Msg("Market read failed, keeping previous value")
	if r.metrics != nil {
		r.metrics.RecordMarketReadFailure(field)
	}
}

func readWithTimeout[T any](ctx context.Context, timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return read(readCtx)
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
