// Package pricing sizes and quotes counter-trades against a constant-product pool.
//
// All quantities are float64 values already normalized by token decimals.
package pricing

import (
	"math"

	"arbwatcher/internal/apperror"
)

// SizeInputForTargetRatio returns the input amount needed to move the pool to targetRatio,
// solving for token0 output or token1 output. Negative sizes are clamped to zero.
//
// targetRatio is the configured USD swap size, passed unchanged for both directions.
func SizeInputForTargetRatio(reserve0, reserve1, targetRatio float64, outputIsToken0, outputIsToken1 bool, feeRate float64) (float64, error) {
	if outputIsToken0 && outputIsToken1 {
		return 0, apperror.InvalidArguments("size input: both token0 and token1 requested as output")
	}
	if err := checkReserves(reserve0, reserve1, feeRate); err != nil {
		return 0, err
	}
	if !finite(targetRatio) || targetRatio <= 0 {
		return 0, apperror.InvalidArguments("size input: target ratio %v", targetRatio)
	}

	var amount float64
	switch {
	case outputIsToken0:
		// token1 in, token0 out
		amount = reserve0/targetRatio - reserve1/(1-feeRate)
	case outputIsToken1:
		// token0 in, token1 out
		amount = reserve1*targetRatio - reserve0/(1-feeRate)
	default:
		return 0, nil
	}

	if amount > 0 {
		return amount, nil
	}
	return 0, nil
}

// QuoteOutputForInput returns the floored output for an input of token0 or token1.
// The fee is applied to the input and again to the result. A zero amount means
// "not provided"; with neither provided the quote is zero.
func QuoteOutputForInput(reserve0, reserve1, amountInToken0, amountInToken1, feeRate float64) (float64, error) {
	if amountInToken0 != 0 && amountInToken1 != 0 {
		return 0, apperror.InvalidArguments("quote output: both token0 and token1 inputs given")
	}
	if err := checkReserves(reserve0, reserve1, feeRate); err != nil {
		return 0, err
	}
	if !finite(amountInToken0) || !finite(amountInToken1) || amountInToken0 < 0 || amountInToken1 < 0 {
		return 0, apperror.InvalidArguments("quote output: input amounts %v/%v", amountInToken0, amountInToken1)
	}

	keep := 1 - feeRate
	switch {
	case amountInToken0 != 0:
		return math.Floor(reserve1 * amountInToken0 * keep / (reserve0 + amountInToken0) * keep), nil
	case amountInToken1 != 0:
		return math.Floor(reserve0 * amountInToken1 * keep / (reserve1 + amountInToken1) * keep), nil
	}
	return 0, nil
}

func checkReserves(reserve0, reserve1, feeRate float64) error {
	if !finite(reserve0) || !finite(reserve1) || reserve0 < 0 || reserve1 < 0 {
		return apperror.InvalidArguments("reserves %v/%v", reserve0, reserve1)
	}
	if !finite(feeRate) || feeRate < 0 || feeRate >= 1 {
		return apperror.InvalidArguments("fee rate %v outside [0,1)", feeRate)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
