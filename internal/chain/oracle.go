package chain

import (
	"context"
	"fmt"
	"math/big"

	"arbwatcher/internal/apperror"
	"arbwatcher/pkg/chain/evm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OracleDecimals is the fixed-point precision of the native/USD feed answer.
const OracleDecimals = 8

// Oracle reads the native token USD price from a Chainlink aggregator.
type Oracle struct {
	client  *evm.Client
	address common.Address
}

func NewOracle(client *evm.Client, address common.Address) *Oracle {
	return &Oracle{client: client, address: address}
}

// NativePriceUSD returns the latest round answer scaled down by OracleDecimals.
func (o *Oracle) NativePriceUSD(ctx context.Context) (decimal.Decimal, error) {
	data, err := AggregatorABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("packing latestRoundData: %w", err)
	}

	out, err := o.client.CallContract(ctx, o.address, data)
	if err != nil {
		return decimal.Decimal{}, apperror.External("reading native price", err)
	}

	return decodeLatestAnswer(out)
}

func decodeLatestAnswer(out []byte) (decimal.Decimal, error) {
	values, err := AggregatorABI.Unpack("latestRoundData", out)
	if err != nil {
		return decimal.Decimal{}, apperror.External("decoding latestRoundData", err)
	}
	if len(values) < 2 {
		return decimal.Decimal{}, apperror.New(apperror.CodeExternalCallFailure,
			apperror.WithContext("latestRoundData returned %d values", len(values)))
	}

	answer, ok := values[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return decimal.Decimal{}, apperror.New(apperror.CodeExternalCallFailure,
			apperror.WithContext("oracle answer %v is not a positive price", values[1]))
	}

	return decimal.NewFromBigInt(answer, -OracleDecimals), nil
}

// FeeReader reads the network base fee.
type FeeReader struct {
	client *evm.Client
}

func NewFeeReader(client *evm.Client) *FeeReader {
	return &FeeReader{client: client}
}

// BaseFee returns the base fee of the latest block in wei.
func (f *FeeReader) BaseFee(ctx context.Context) (*big.Int, error) {
	fee, err := f.client.LatestBaseFee(ctx)
	if err != nil {
		return nil, apperror.External("reading base fee", err)
	}
	return fee, nil
}
