package market

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls atomic.Int32
}

func (f *fakeOracle) NativePriceUSD(ctx context.Context) (decimal.Decimal, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.err
}

func (f *fakeOracle) set(price decimal.Decimal, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price, f.err = price, err
}

type fakeFees struct {
	mu      sync.Mutex
	baseFee *big.Int
	err     error
}

func (f *fakeFees) BaseFee(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseFee, f.err
}

func (f *fakeFees) set(baseFee *big.Int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseFee, f.err = baseFee, err
}

type fakeGas struct {
	gas     uint64
	err     error
	release chan struct{}
	entered chan struct{}
}

func (f *fakeGas) EstimateSwapGas(ctx context.Context) (uint64, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.gas, f.err
}

// TestStoreStartsUnknown verifies a new store reports every field as missing, not zero.
func TestStoreStartsUnknown(t *testing.T) {
	store := NewStore()
	snap := store.Load()

	require.NotNil(t, snap)
	require.False(t, snap.Complete())
	require.Equal(t, []string{FieldNativePrice, FieldBaseFee, FieldGasEstimate}, snap.Missing())

	zero := &Conditions{
		NativePriceUSD: decimal.NewNullDecimal(decimal.Zero),
		BaseFee:        big.NewInt(0),
		GasEstimate:    big.NewInt(0),
	}
	require.True(t, zero.Complete(), "zero values are known values")
}

// TestRefreshPopulatesSnapshot verifies a successful cycle fills every field.
func TestRefreshPopulatesSnapshot(t *testing.T) {
	store := NewStore()
	oracle := &fakeOracle{price: decimal.RequireFromString("12.34")}
	fees := &fakeFees{baseFee: big.NewInt(25_000_000_000)}
	gas := &fakeGas{gas: 125_000}

	r := NewRefresher(store, oracle, fees, gas, time.Second, nil)
	require.True(t, r.Refresh(context.Background()))

	snap := store.Load()
	require.True(t, snap.Complete())
	require.Equal(t, "12.34", snap.NativePriceUSD.Decimal.String())
	require.Equal(t, int64(25_000_000_000), snap.BaseFee.Int64())
	require.Equal(t, uint64(125_000), snap.GasEstimate.Uint64())
}

// TestRefreshFailureKeepsPreviousValue verifies a failed read keeps that field while the others update.
func TestRefreshFailureKeepsPreviousValue(t *testing.T) {
	store := NewStore()
	oracle := &fakeOracle{price: decimal.NewFromInt(20)}
	fees := &fakeFees{baseFee: big.NewInt(100)}
	gas := &fakeGas{gas: 90_000}

	r := NewRefresher(store, oracle, fees, gas, time.Second, nil)
	require.True(t, r.Refresh(context.Background()))
	first := store.Load()

	oracle.set(decimal.Decimal{}, errors.New("oracle reverted"))
	fees.set(big.NewInt(200), nil)
	require.True(t, r.Refresh(context.Background()))

	second := store.Load()
	require.NotSame(t, first, second, "each cycle publishes a new snapshot")
	require.Equal(t, "20", second.NativePriceUSD.Decimal.String())
	require.Equal(t, int64(200), second.BaseFee.Int64())
	require.Equal(t, uint64(90_000), second.GasEstimate.Uint64())

	// The earlier snapshot is untouched.
	require.Equal(t, int64(100), first.BaseFee.Int64())
}

// TestRefreshFailureBeforeFirstSuccessStaysUnknown verifies a field never read stays unknown.
func TestRefreshFailureBeforeFirstSuccessStaysUnknown(t *testing.T) {
	store := NewStore()
	oracle := &fakeOracle{err: errors.New("timeout")}
	fees := &fakeFees{baseFee: big.NewInt(1)}
	gas := &fakeGas{gas: 1}

	r := NewRefresher(store, oracle, fees, gas, time.Second, nil)
	r.Refresh(context.Background())

	require.Equal(t, []string{FieldNativePrice}, store.Load().Missing())
}

// TestRefreshSingleFlight verifies an overlapping refresh is skipped rather than queued.
func TestRefreshSingleFlight(t *testing.T) {
	store := NewStore()
	oracle := &fakeOracle{price: decimal.NewFromInt(1)}
	fees := &fakeFees{baseFee: big.NewInt(1)}
	gas := &fakeGas{gas: 1, release: make(chan struct{}), entered: make(chan struct{}, 1)}

	r := NewRefresher(store, oracle, fees, gas, time.Second, nil)

	done := make(chan bool)
	go func() { done <- r.Refresh(context.Background()) }()
	<-gas.entered

	require.False(t, r.Refresh(context.Background()))
	require.Equal(t, int32(1), oracle.calls.Load())

	close(gas.release)
	require.True(t, <-done)
}

// TestRunContinuesAfterFailures verifies the loop keeps scheduling cycles after a failed read.
func TestRunContinuesAfterFailures(t *testing.T) {
	store := NewStore()
	oracle := &fakeOracle{err: errors.New("unreachable")}
	fees := &fakeFees{baseFee: big.NewInt(1)}
	gas := &fakeGas{gas: 1}

	r := NewRefresher(store, oracle, fees, gas, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return oracle.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	oracle.set(decimal.NewFromInt(30), nil)
	require.Eventually(t, func() bool { return store.Load().Complete() }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

// TestRefreshTreatsNilBaseFeeAsFailure keeps the known base fee when the source returns none.
func TestRefreshTreatsNilBaseFeeAsFailure(t *testing.T) {
	store := NewStore()
	oracle := &fakeOracle{price: decimal.NewFromInt(20)}
	fees := &fakeFees{baseFee: big.NewInt(25_000_000_000)}
	r := NewRefresher(store, oracle, fees, &fakeGas{gas: 125_000}, time.Second, nil)

	require.True(t, r.Refresh(context.Background()))
	require.Equal(t, big.NewInt(25_000_000_000), store.Load().BaseFee)

	fees.set(nil, nil)
	require.True(t, r.Refresh(context.Background()))
	require.Equal(t, big.NewInt(25_000_000_000), store.Load().BaseFee)
	require.True(t, store.Load().Complete())
}
