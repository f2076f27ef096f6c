// Package fees converts an expected trade value into an EIP-1559 priority fee bid.
package fees

import (
	"math/big"

	"arbwatcher/internal/apperror"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of smallest fee units per native token (wei per AVAX/ETH).
const NativeDecimals = 18

// ScaledPriorityFee returns floor(ev*feeRatio / (gasLimit*priceOfGasUnitUSD)) - baseFee.
//
// The result is in the chain's smallest fee unit and may be negative, which means the
// budget cannot cover the base fee alone. Only meaningful on base-fee-plus-tip fee markets.
func ScaledPriorityFee(baseFee *big.Int, expectedValueUSD decimal.Decimal, gasLimit uint64, priceOfGasUnitUSD, feeRatio decimal.Decimal) (*big.Int, error) {
	if baseFee == nil {
		return nil, apperror.InvalidArguments("priority fee: base fee is nil")
	}

	gasCost := decimal.NewFromBigInt(new(big.Int).SetUint64(gasLimit), 0).Mul(priceOfGasUnitUSD)
	if gasCost.Sign() <= 0 {
		return nil, apperror.InvalidArguments("priority fee: gas cost %s must be positive", gasCost)
	}

	budget := expectedValueUSD.Mul(feeRatio).Div(gasCost).Floor()
	return new(big.Int).Sub(budget.BigInt(), baseFee), nil
}

// GasUnitPriceUSD returns the USD price of one smallest fee unit given the native token price.
func GasUnitPriceUSD(nativePriceUSD decimal.Decimal) decimal.Decimal {
	return nativePriceUSD.Shift(-NativeDecimals)
}
