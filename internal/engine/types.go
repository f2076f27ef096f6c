package engine

import (
	"context"
	"math/big"

	"arbwatcher/internal/chain"
	"arbwatcher/internal/registry"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// Direction names which pool token is sold.
type Direction int

const (
	// ZeroForOne sells token0 for token1.
	ZeroForOne Direction = iota
	// OneForZero sells token1 for token0.
	OneForZero
)

func (d Direction) String() string {
	if d == ZeroForOne {
		return "token0_to_token1"
	}
	return "token1_to_token0"
}

// Opportunity is one sized and priced direction of a reserve update.
type Opportunity struct {
	Direction   Direction
	TokenIn     registry.Token
	TokenOut    registry.Token
	AmountIn    *big.Int
	AmountOut   *big.Int
	Rate        float64
	ExpectedUSD decimal.Decimal
	PriorityFee *big.Int
}

// Executor submits swaps and waits for them to be mined.
type Executor interface {
	SubmitSwap(ctx context.Context, req chain.SwapRequest) (*types.Transaction, error)
	WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}
