// Package engine turns pool reserve updates into sized, priced and bid swap decisions and
// hands profitable ones to an executor.
package engine

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"arbwatcher/internal/apperror"
	"arbwatcher/internal/chain"
	"arbwatcher/internal/fees"
	"arbwatcher/internal/ingestion"
	"arbwatcher/internal/market"
	"arbwatcher/internal/metrics"
	"arbwatcher/internal/pricing"
	"arbwatcher/internal/registry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Config holds the strategy constants.
type Config struct {
	// SwapAmountUSD is passed to the sizing formula as its target ratio for both directions.
	SwapAmountUSD   float64
	ProfitTargetUSD float64
	FeeRatio        decimal.Decimal
	Deadline        time.Duration
	Account         common.Address
}

// MarketSource provides the latest market snapshot.
type MarketSource interface {
	Load() *market.Conditions
}

// poolState is owned by one pool. Reserves are written by the ingestion goroutine only.
type poolState struct {
	pool registry.Pool

	mu       sync.Mutex
	reserve0 float64
	reserve1 float64
	warm     bool

	// inFlight is held from the first submission of an event until its last swap resolves.
	inFlight atomic.Bool
}

// Engine evaluates reserve updates and executes profitable swaps.
type Engine struct {
	cfg      Config
	market   MarketSource
	executor Executor
	metrics  *metrics.Metrics
	pools    map[common.Address]*poolState
	now      func() time.Time

	wg sync.WaitGroup
}

// New creates an engine for pools. The pool set is fixed for the engine's lifetime.
func New(cfg Config, pools []registry.Pool, source MarketSource, executor Executor, m *metrics.Metrics) *Engine {
	states := make(map[common.Address]*poolState, len(pools))
	for _, p := range pools {
		states[p.Address] = &poolState{pool: p}
	}
	return &Engine{
		cfg:      cfg,
		market:   source,
		executor: executor,
		metrics:  m,
		pools:    states,
		now:      time.Now,
	}
}

var _ ingestion.SyncHandler = (*Engine)(nil)

// HandleSync records the pool's new reserves, evaluates both directions and starts execution
// of the profitable ones unless a swap for the pool is already in flight.
func (e *Engine) HandleSync(ctx context.Context, ev *ingestion.SyncEvent) {
	st, ok := e.pools[common.HexToAddress(ev.PoolAddress)]
	if !ok {
		return
	}

	start := time.Now()
	r0 := normalize(ev.Reserve0, st.pool.Token0.Decimals)
	r1 := normalize(ev.Reserve1, st.pool.Token1.Decimals)

	st.mu.Lock()
	wasWarm := st.warm
	st.reserve0, st.reserve1, st.warm = r0, r1, true
	st.mu.Unlock()

	if !wasWarm {
		log.Info().Str("pool", st.pool.Name).Msg("Pool warmed up")
	}

	opps, err := e.evaluate(st.pool, r0, r1)
	if e.metrics != nil {
		e.metrics.RecordDecisionLatency(time.Since(start))
	}
	if err != nil {
		log.Error().Err(err).Str("pool", st.pool.Name).Msg("Failed to evaluate reserve update")
		return
	}

	var profitable []Opportunity
	for _, opp := range opps {
		if opp.ExpectedUSD.InexactFloat64() <= e.cfg.ProfitTargetUSD {
			continue
		}
		profitable = append(profitable, opp)

		log.Info().
			Str("pool", st.pool.Name).
			Str("direction", opp.Direction.String()).
			Str("amount_in", opp.AmountIn.String()).
			Str("amount_out", opp.AmountOut.String()).
			Float64("rate", opp.Rate).
			Str("ev_usd", opp.ExpectedUSD.StringFixed(4)).
			Str("priority_fee", opp.PriorityFee.String()).
			Msg("Profitable opportunity")
		if e.metrics != nil {
			e.metrics.RecordOpportunity(st.pool.Name, opp.Direction.String())
		}
	}

	if len(profitable) == 0 {
		return
	}

	if !st.inFlight.CompareAndSwap(false, true) {
		log.Info().Str("pool", st.pool.Name).Msg("Swap already in flight for pool, suppressing")
		if e.metrics != nil {
			e.metrics.RecordSwapSuppressed(st.pool.Name)
		}
		return
	}

	e.wg.Add(1)
	go e.execute(ctx, st, profitable)
}

// Evaluate sizes, quotes and bids both directions for raw reserves of pool. Only directions
// with a non-zero quoted output are returned, whether or not they clear the profit target.
func (e *Engine) Evaluate(pool registry.Pool, raw0, raw1 *big.Int) ([]Opportunity, error) {
	return e.evaluate(pool,
		normalize(raw0, pool.Token0.Decimals),
		normalize(raw1, pool.Token1.Decimals))
}

func (e *Engine) evaluate(pool registry.Pool, r0, r1 float64) ([]Opportunity, error) {
	if r0 <= 0 || r1 <= 0 {
		log.Debug().Str("pool", pool.Name).Msg("Pool has an empty reserve, skipping")
		return nil, nil
	}

	rate := r0 / r1
	snap := e.market.Load()

	var opps []Opportunity
	for _, dir := range []Direction{ZeroForOne, OneForZero} {
		// Selling token0 solves for token1 output and vice versa.
		size, err := pricing.SizeInputForTargetRatio(r0, r1, e.cfg.SwapAmountUSD, dir == OneForZero, dir == ZeroForOne, pool.Fee)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			continue
		}

		var in0, in1 float64
		tokenIn, tokenOut := pool.Token0, pool.Token1
		if dir == ZeroForOne {
			in0 = size
		} else {
			in1 = size
			tokenIn, tokenOut = pool.Token1, pool.Token0
		}

		out, err := pricing.QuoteOutputForInput(r0, r1, in0, in1, pool.Fee)
		if err != nil {
			return nil, err
		}
		if out == 0 {
			continue
		}

		ev := decimal.NewFromFloat((rate + 1) * out)
		opps = append(opps, Opportunity{
			Direction:   dir,
			TokenIn:     tokenIn,
			TokenOut:    tokenOut,
			AmountIn:    denormalize(size, tokenIn.Decimals),
			AmountOut:   denormalize(out, tokenOut.Decimals),
			Rate:        rate,
			ExpectedUSD: ev,
			PriorityFee: e.bid(pool, snap, ev),
		})
	}

	return opps, nil
}

// bid returns the priority fee for an opportunity worth ev. Missing market data and
// negative bids both yield zero.
func (e *Engine) bid(pool registry.Pool, snap *market.Conditions, ev decimal.Decimal) *big.Int {
	if !snap.Complete() {
		err := apperror.New(apperror.CodeMissingMarketData,
			apperror.WithContext("bidding for %s without %v", pool.Name, snap.Missing()))
		log.Warn().Err(err).Str("pool", pool.Name).Msg("Using zero priority fee")
		return new(big.Int)
	}

	fee, err := fees.ScaledPriorityFee(
		snap.BaseFee,
		ev,
		snap.GasEstimate.Uint64(),
		fees.GasUnitPriceUSD(snap.NativePriceUSD.Decimal),
		e.cfg.FeeRatio,
	)
	if err != nil {
		log.Warn().Err(err).Str("pool", pool.Name).Msg("Cannot compute priority fee, using zero")
		return new(big.Int)
	}
	if fee.Sign() < 0 {
		log.Debug().Str("pool", pool.Name).Str("bid", fee.String()).Msg("Bid below base fee, using zero priority fee")
		return new(big.Int)
	}
	return fee
}

// execute submits each opportunity in turn and waits for it to be mined. Failures are
// logged and abandoned. The pool's in-flight marker is released when it returns.
func (e *Engine) execute(ctx context.Context, st *poolState, opps []Opportunity) {
	defer e.wg.Done()
	defer st.inFlight.Store(false)

	name := st.pool.Name
	for _, opp := range opps {
		req := chain.SwapRequest{
			Pool:         name,
			TokenIn:      opp.TokenIn.Address,
			TokenOut:     opp.TokenOut.Address,
			AmountIn:     opp.AmountIn,
			AmountOutMin: opp.AmountOut,
			PriorityFee:  opp.PriorityFee,
			Recipient:    e.cfg.Account,
			Deadline:     e.now().Add(e.cfg.Deadline),
		}

		tx, err := e.executor.SubmitSwap(ctx, req)
		if err != nil {
			log.Error().Err(err).Str("pool", name).Str("direction", opp.Direction.String()).Str("code", failureCode(err)).Msg("Swap submission failed")
			if e.metrics != nil {
				e.metrics.RecordSwapFailed(name, "submit", failureCode(err))
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordSwapSubmitted(name)
		}

		receipt, err := e.executor.WaitConfirmed(ctx, tx)
		if err != nil {
			log.Error().Err(err).Str("pool", name).Str("tx", tx.Hash().Hex()).Msg("Swap confirmation failed")
			if e.metrics != nil {
				e.metrics.RecordSwapFailed(name, "confirm", failureCode(err))
			}
			continue
		}

		log.Info().
			Str("pool", name).
			Str("tx", tx.Hash().Hex()).
			Str("block", receipt.BlockNumber.String()).
			Uint64("gas_used", receipt.GasUsed).
			Msg("Swap confirmed")
		if e.metrics != nil {
			e.metrics.RecordSwapConfirmed(name)
		}
	}
}

// Reserves returns the last normalized reserves of a pool and whether it has seen an event.
func (e *Engine) Reserves(pool common.Address) (reserve0, reserve1 float64, warm bool) {
	st, ok := e.pools[pool]
	if !ok {
		return 0, 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reserve0, st.reserve1, st.warm
}

// Wait blocks until every started execution has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// failureCode labels err by its taxonomy code, or "unclassified".
func failureCode(err error) string {
	if code := apperror.CodeOf(err); code != "" {
		return string(code)
	}
	return "unclassified"
}

func normalize(raw *big.Int, decimals int32) float64 {
	if raw == nil {
		return 0
	}
	return decimal.NewFromBigInt(raw, -decimals).InexactFloat64()
}

func denormalize(amount float64, decimals int32) *big.Int {
	return decimal.NewFromFloat(amount).Shift(decimals).Floor().BigInt()
}
