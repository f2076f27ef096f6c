package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"arbwatcher/internal/apperror"
	"arbwatcher/pkg/chain/evm"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// SwapRequest is a fully specified single-hop swap.
type SwapRequest struct {
	Pool         string
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int
	PriorityFee  *big.Int
	Recipient    common.Address
	Deadline     time.Time
}

// Probe is the fixed swap whose gas estimate stands in for every swap the bot sends.
type Probe struct {
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int
	From         common.Address
	Deadline     time.Duration
}

// Router sends swaps through a Uniswap V2 style router. Without a signing key it runs dry:
// requests are logged and rejected.
type Router struct {
	client   *evm.Client
	address  common.Address
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	probe    Probe
}

// NewRouter creates a router client. privateKeyHex may be empty for dry-run mode; otherwise
// it must belong to account.
func NewRouter(client *evm.Client, address, account common.Address, privateKeyHex string, chainID *big.Int, probe Probe) (*Router, error) {
	r := &Router{
		client:  client,
		address: address,
		probe:   probe,
	}

	if privateKeyHex == "" {
		log.Warn().Str("account", account.Hex()).Msg("No signing key configured, running in dry-run mode")
		return r, nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if signer := crypto.PubkeyToAddress(key.PublicKey); signer != account {
		return nil, fmt.Errorf("private key belongs to %s, not trading account %s", signer.Hex(), account.Hex())
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("creating transactor: %w", err)
	}

	backend := client.Backend()
	r.auth = auth
	r.contract = bind.NewBoundContract(address, RouterABI, backend, backend, backend)
	return r, nil
}

// DryRun reports whether swaps are logged instead of sent.
func (r *Router) DryRun() bool {
	return r.auth == nil
}

// EstimateSwapGas estimates the gas limit of the probe swap.
func (r *Router) EstimateSwapGas(ctx context.Context) (uint64, error) {
	deadline := big.NewInt(time.Now().Add(r.probe.Deadline).Unix())
	data, err := RouterABI.Pack(swapMethod,
		r.probe.AmountIn,
		r.probe.AmountOutMin,
		[]common.Address{r.probe.TokenIn, r.probe.TokenOut},
		r.probe.From,
		deadline,
	)
	if err != nil {
		return 0, fmt.Errorf("packing probe swap: %w", err)
	}

	gas, err := r.client.EstimateGas(ctx, ethereum.CallMsg{
		From: r.probe.From,
		To:   &r.address,
		Data: data,
	})
	if err != nil {
		return 0, apperror.External("estimating probe swap gas", err)
	}
	return gas, nil
}

// SubmitSwap signs and sends req with its priority fee as the gas tip.
func (r *Router) SubmitSwap(ctx context.Context, req SwapRequest) (*types.Transaction, error) {
	if r.DryRun() {
		log.Info().
			Str("pool", req.Pool).
			Str("token_in", req.TokenIn.Hex()).
			Str("token_out", req.TokenOut.Hex()).
			Str("amount_in", req.AmountIn.String()).
			Str("amount_out_min", req.AmountOutMin.String()).
			Str("priority_fee", req.PriorityFee.String()).
			Time("deadline", req.Deadline).
			Msg("Dry run, swap not sent")
		return nil, apperror.New(apperror.CodeExternalCallFailure, apperror.WithContext("dry run"))
	}

	opts := *r.auth
	opts.Context = ctx
	opts.GasTipCap = req.PriorityFee

	tx, err := evm.Do(ctx, r.client, func(ctx context.Context) (*types.Transaction, error) {
		return r.contract.Transact(&opts, swapMethod,
			req.AmountIn,
			req.AmountOutMin,
			[]common.Address{req.TokenIn, req.TokenOut},
			req.Recipient,
			big.NewInt(req.Deadline.Unix()),
		)
	})
	if err != nil {
		return nil, apperror.External("submitting swap", err)
	}

	log.Info().
		Str("pool", req.Pool).
		Str("tx", tx.Hash().Hex()).
		Uint64("nonce", tx.Nonce()).
		Msg("Swap submitted")
	return tx, nil
}

// WaitConfirmed blocks until tx is mined. A reverted transaction is an error.
func (r *Router) WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, r.client.Backend(), tx)
	if err != nil {
		return nil, apperror.External("waiting for swap receipt", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, apperror.New(apperror.CodeExternalCallFailure,
			apperror.WithContext("swap %s reverted in block %s", tx.Hash().Hex(), receipt.BlockNumber))
	}
	return receipt, nil
}
