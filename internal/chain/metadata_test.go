package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"arbwatcher/internal/apperror"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	pairAddr  = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	otherAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

// fakeMulticall decodes aggregate3 requests and answers each call from a table keyed by
// target and selector. Missing entries revert.
type fakeMulticall struct {
	answers  map[common.Address]map[string][]byte
	requests int
	err      error
}

func (f *fakeMulticall) answer(target common.Address, method string, out []byte) {
	if f.answers == nil {
		f.answers = make(map[common.Address]map[string][]byte)
	}
	if f.answers[target] == nil {
		f.answers[target] = make(map[string][]byte)
	}
	f.answers[target][method] = out
}

func (f *fakeMulticall) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	f.requests++
	if f.err != nil {
		return nil, f.err
	}
	if to != Multicall3Address {
		return nil, errors.New("unexpected target")
	}

	method := Multicall3ABI.Methods[aggregateMethod]
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	var calls []call3
	if err := method.Inputs.Copy(&calls, values); err != nil {
		return nil, err
	}

	results := make([]result3, len(calls))
	for i, c := range calls {
		out, ok := f.answers[c.Target][hex.EncodeToString(c.CallData[:4])]
		results[i] = result3{Success: ok, ReturnData: out}
	}
	return method.Outputs.Pack(results)
}

func selector(contract abi.ABI, method string) string {
	return hex.EncodeToString(contract.Methods[method].ID)
}

func packOutput(t *testing.T, contract abi.ABI, method string, values ...any) []byte {
	t.Helper()
	out, err := contract.Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	return out
}

func (f *fakeMulticall) pair(t *testing.T, pair, token0, token1 common.Address) {
	f.answer(pair, selector(PairABI, "token0"), packOutput(t, PairABI, "token0", token0))
	f.answer(pair, selector(PairABI, "token1"), packOutput(t, PairABI, "token1", token1))
}

func (f *fakeMulticall) decimals(t *testing.T, token common.Address, decimals uint8) {
	f.answer(token, selector(ERC20ABI, "decimals"), packOutput(t, ERC20ABI, "decimals", decimals))
}

func (f *fakeMulticall) symbol(t *testing.T, token common.Address, symbol string) {
	f.answer(token, selector(ERC20ABI, "symbol"), packOutput(t, ERC20ABI, "symbol", symbol))
}

// TestPairTokensDecodesOrder reads both token slots of a pair in one request.
func TestPairTokensDecodesOrder(t *testing.T) {
	fc := &fakeMulticall{}
	fc.pair(t, pairAddr, otherAddr, tokenAddr)

	got, err := NewMetadataReader(fc).PairTokens(context.Background(), []common.Address{pairAddr})
	require.NoError(t, err)
	require.Equal(t, PairTokens{Token0: otherAddr, Token1: tokenAddr}, got[pairAddr])
	require.Equal(t, 1, fc.requests)
}

// TestPairTokensRevert reports a pair that does not answer token0.
func TestPairTokensRevert(t *testing.T) {
	_, err := NewMetadataReader(&fakeMulticall{}).PairTokens(context.Background(), []common.Address{pairAddr})
	require.ErrorContains(t, err, "reverted")
}

// TestTokenMetadataOptionalSymbol keeps decimals and leaves the symbol empty when it reverts.
func TestTokenMetadataOptionalSymbol(t *testing.T) {
	fc := &fakeMulticall{}
	fc.decimals(t, tokenAddr, 6)
	fc.symbol(t, tokenAddr, "USDC")
	fc.decimals(t, otherAddr, 18)

	got, err := NewMetadataReader(fc).TokenMetadata(context.Background(), []common.Address{tokenAddr, otherAddr})
	require.NoError(t, err)
	require.Equal(t, TokenMetadata{Symbol: "USDC", Decimals: 6}, got[tokenAddr])
	require.Equal(t, TokenMetadata{Decimals: 18}, got[otherAddr])
}

// TestTokenMetadataRequiresDecimals fails when decimals reverts.
func TestTokenMetadataRequiresDecimals(t *testing.T) {
	fc := &fakeMulticall{}
	fc.symbol(t, tokenAddr, "USDC")

	_, err := NewMetadataReader(fc).TokenMetadata(context.Background(), []common.Address{tokenAddr})
	require.ErrorContains(t, err, "decimals call reverted")
}

// TestAggregateChunksLargeBatches splits calls across requests and keeps their order.
func TestAggregateChunksLargeBatches(t *testing.T) {
	fc := &fakeMulticall{}
	pairs := make([]common.Address, maxCallsPerBatch)
	for i := range pairs {
		pairs[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		fc.pair(t, pairs[i], tokenAddr, common.BigToAddress(big.NewInt(int64(0x9000+i))))
	}

	got, err := NewMetadataReader(fc).PairTokens(context.Background(), pairs)
	require.NoError(t, err)
	require.Equal(t, 2, fc.requests, "two calls per pair need two batches")
	require.Len(t, got, len(pairs))
	last := pairs[len(pairs)-1]
	require.Equal(t, common.BigToAddress(big.NewInt(int64(0x9000+len(pairs)-1))), got[last].Token1)
}

// TestAggregateWrapsNodeFailure classifies a failed multicall as an external failure.
func TestAggregateWrapsNodeFailure(t *testing.T) {
	fc := &fakeMulticall{err: errors.New("connection refused")}
	_, err := NewMetadataReader(fc).PairTokens(context.Background(), []common.Address{pairAddr})
	require.ErrorIs(t, err, apperror.ErrExternalCallFailure)
}
