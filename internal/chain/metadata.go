package chain

import (
	"context"
	"fmt"

	"arbwatcher/internal/apperror"

	"github.com/ethereum/go-ethereum/common"
)

// Multicall3Address is the canonical Multicall3 deployment, shared by Avalanche C-Chain and
// most other EVM chains.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// maxCallsPerBatch bounds one aggregate3 request.
const maxCallsPerBatch = 200

// ContractCaller performs a read-only eth_call.
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// PairTokens is a pair's on-chain token order.
type PairTokens struct {
	Token0 common.Address
	Token1 common.Address
}

// TokenMetadata is what an ERC-20 reports about itself. Symbol is empty when the token
// does not return a string symbol.
type TokenMetadata struct {
	Symbol   string
	Decimals uint8
}

// call3 and result3 mirror the Multicall3 tuple layouts.
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type result3 struct {
	Success    bool
	ReturnData []byte
}

// MetadataReader reads pair and token metadata in batches through Multicall3.
type MetadataReader struct {
	caller    ContractCaller
	multicall common.Address
}

func NewMetadataReader(caller ContractCaller) *MetadataReader {
	return &MetadataReader{caller: caller, multicall: Multicall3Address}
}

// PairTokens reads token0 and token1 of every pair. A pair that does not answer both is
// an error.
func (m *MetadataReader) PairTokens(ctx context.Context, pairs []common.Address) (map[common.Address]PairTokens, error) {
	token0Data, _ := PairABI.Pack("token0")
	token1Data, _ := PairABI.Pack("token1")

	calls := make([]call3, 0, len(pairs)*2)
	for _, addr := range pairs {
		calls = append(calls,
			call3{Target: addr, AllowFailure: true, CallData: token0Data},
			call3{Target: addr, AllowFailure: true, CallData: token1Data},
		)
	}

	results, err := m.aggregate(ctx, calls)
	if err != nil {
		return nil, err
	}

	out := make(map[common.Address]PairTokens, len(pairs))
	for i, addr := range pairs {
		r0, r1 := results[i*2], results[i*2+1]
		if !r0.Success || !r1.Success {
			return nil, fmt.Errorf("pair %s: token0/token1 call reverted", addr.Hex())
		}

		var pt PairTokens
		if err := PairABI.UnpackIntoInterface(&pt.Token0, "token0", r0.ReturnData); err != nil {
			return nil, fmt.Errorf("pair %s: decoding token0: %w", addr.Hex(), err)
		}
		if err := PairABI.UnpackIntoInterface(&pt.Token1, "token1", r1.ReturnData); err != nil {
			return nil, fmt.Errorf("pair %s: decoding token1: %w", addr.Hex(), err)
		}
		out[addr] = pt
	}
	return out, nil
}

// TokenMetadata reads symbol and decimals of every token. Decimals are required; tokens
// with bytes32 or missing symbols come back with an empty Symbol.
func (m *MetadataReader) TokenMetadata(ctx context.Context, tokens []common.Address) (map[common.Address]TokenMetadata, error) {
	symbolData, _ := ERC20ABI.Pack("symbol")
	decimalsData, _ := ERC20ABI.Pack("decimals")

	calls := make([]call3, 0, len(tokens)*2)
	for _, addr := range tokens {
		calls = append(calls,
			call3{Target: addr, AllowFailure: true, CallData: symbolData},
			call3{Target: addr, AllowFailure: true, CallData: decimalsData},
		)
	}

	results, err := m.aggregate(ctx, calls)
	if err != nil {
		return nil, err
	}

	out := make(map[common.Address]TokenMetadata, len(tokens))
	for i, addr := range tokens {
		var md TokenMetadata

		if res := results[i*2]; res.Success {
			if err := ERC20ABI.UnpackIntoInterface(&md.Symbol, "symbol", res.ReturnData); err != nil {
				md.Symbol = ""
			}
		}

		res := results[i*2+1]
		if !res.Success {
			return nil, fmt.Errorf("token %s: decimals call reverted", addr.Hex())
		}
		if err := ERC20ABI.UnpackIntoInterface(&md.Decimals, "decimals", res.ReturnData); err != nil {
			return nil, fmt.Errorf("token %s: decoding decimals: %w", addr.Hex(), err)
		}
		out[addr] = md
	}
	return out, nil
}

// aggregate runs calls through aggregate3 in chunks and returns one result per call.
func (m *MetadataReader) aggregate(ctx context.Context, calls []call3) ([]result3, error) {
	results := make([]result3, 0, len(calls))

	for start := 0; start < len(calls); start += maxCallsPerBatch {
		end := min(start+maxCallsPerBatch, len(calls))
		chunk := calls[start:end]

		data, err := Multicall3ABI.Pack(aggregateMethod, chunk)
		if err != nil {
			return nil, fmt.Errorf("packing %s: %w", aggregateMethod, err)
		}

		raw, err := m.caller.CallContract(ctx, m.multicall, data)
		if err != nil {
			return nil, apperror.External("multicall", err)
		}

		var batch []result3
		if err := Multicall3ABI.UnpackIntoInterface(&batch, aggregateMethod, raw); err != nil {
			return nil, apperror.External("decoding multicall result", err)
		}
		if len(batch) != len(chunk) {
			return nil, apperror.New(apperror.CodeExternalCallFailure,
				apperror.WithContext("multicall returned %d results for %d calls", len(batch), len(chunk)))
		}
		results = append(results, batch...)
	}

	return results, nil
}
