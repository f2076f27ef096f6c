// Package evm wraps an EVM JSON-RPC connection with rate limiting and a circuit breaker.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Options tunes request pacing and failure isolation.
type Options struct {
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// OnBreakerChange is called with the new state (0=closed, 1=half-open, 2=open).
	OnBreakerChange func(name string, state int)
}

// DefaultOptions returns 10 requests per second and a breaker that opens after 5 failures.
func DefaultOptions() Options {
	return Options{
		RequestsPerSecond: 10,
		Burst:             5,
		BreakerFailures:   5,
		BreakerTimeout:    30 * time.Second,
	}
}

type Client struct {
	ethClient *ethclient.Client
	rpcURL    string
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[any]
}

func NewClient(ctx context.Context, rpcURL string, opts Options) (*Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultOptions().RequestsPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = DefaultOptions().BreakerFailures
	}

	settings := gobreaker.Settings{
		Name:    "rpc",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about node health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("RPC circuit breaker state change")
			if opts.OnBreakerChange != nil {
				opts.OnBreakerChange(name, int(to))
			}
		},
	}

	return &Client{
		ethClient: client,
		rpcURL:    rpcURL,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		breaker:   gobreaker.NewCircuitBreaker[any](settings),
	}, nil
}

func (c *Client) Close() {
	c.ethClient.Close()
}

// Backend exposes the raw client for contract bindings and receipt polling.
func (c *Client) Backend() *ethclient.Client {
	return c.ethClient
}

// Do runs fn after waiting for the rate limiter and through the circuit breaker.
func Do[T any](ctx context.Context, c *Client, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// CallContract runs a read-only call against the latest block, retrying transient node
// failures.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{
		To:   &to,
		Data: data,
	}

	var result []byte
	err := retryCall(ctx, func() error {
		var callErr error
		result, callErr = Do(ctx, c, func(ctx context.Context) ([]byte, error) {
			return c.ethClient.CallContract(ctx, msg, nil)
		})
		return callErr
	}, callAttempts)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	return result, nil
}

// EstimateGas returns the gas limit the node estimates for msg.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := Do(ctx, c, func(ctx context.Context) (uint64, error) {
		return c.ethClient.EstimateGas(ctx, msg)
	})
	if err != nil {
		return 0, fmt.Errorf("estimating gas: %w", err)
	}
	return gas, nil
}

// LatestBaseFee returns the base fee of the latest header, or the suggested gas price on
// chains whose headers carry none.
func (c *Client) LatestBaseFee(ctx context.Context) (*big.Int, error) {
	header, err := Do(ctx, c, func(ctx context.Context) (*types.Header, error) {
		return c.ethClient.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching latest header: %w", err)
	}
	if header.BaseFee != nil {
		return header.BaseFee, nil
	}

	price, err := Do(ctx, c, func(ctx context.Context) (*big.Int, error) {
		return c.ethClient.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("suggesting gas price: %w", err)
	}
	return price, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return Do(ctx, c, c.ethClient.ChainID)
}
