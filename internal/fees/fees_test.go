package fees

import (
	"math/big"
	"testing"

	"arbwatcher/internal/apperror"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// TestScaledPriorityFeeReference checks the $100 EV / $100 native token reference bid.
func TestScaledPriorityFeeReference(t *testing.T) {
	bid, err := ScaledPriorityFee(
		big.NewInt(25_000_000_000),
		decimal.NewFromInt(100),
		125_000,
		decimal.RequireFromString("100e-18"),
		decimal.RequireFromString("0.10"),
	)
	require.NoError(t, err)
	require.Equal(t, "775000000000", bid.String())
}

// TestScaledPriorityFeeFromNativePrice checks that GasUnitPriceUSD feeds the same bid.
func TestScaledPriorityFeeFromNativePrice(t *testing.T) {
	bid, err := ScaledPriorityFee(
		big.NewInt(25_000_000_000),
		decimal.NewFromInt(100),
		125_000,
		GasUnitPriceUSD(decimal.NewFromInt(100)),
		decimal.RequireFromString("0.1"),
	)
	require.NoError(t, err)
	require.Equal(t, int64(775_000_000_000), bid.Int64())
}

// TestScaledPriorityFeeNegative checks that a small EV produces a negative bid.
func TestScaledPriorityFeeNegative(t *testing.T) {
	bid, err := ScaledPriorityFee(
		big.NewInt(25_000_000_000),
		decimal.RequireFromString("0.01"),
		125_000,
		decimal.RequireFromString("100e-18"),
		decimal.RequireFromString("0.1"),
	)
	require.NoError(t, err)
	require.Equal(t, -1, bid.Sign())
	require.Equal(t, int64(80_000_000-25_000_000_000), bid.Int64())
}

// TestScaledPriorityFeeFloors checks that the budget is floored before subtracting the base fee.
func TestScaledPriorityFeeFloors(t *testing.T) {
	bid, err := ScaledPriorityFee(big.NewInt(1), decimal.NewFromInt(10), 3, decimal.NewFromInt(1), decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Equal(t, int64(2), bid.Int64()) // floor(10/3) - 1
}

// TestScaledPriorityFeeInvalid checks zero gas cost and nil base fee are rejected.
func TestScaledPriorityFeeInvalid(t *testing.T) {
	_, err := ScaledPriorityFee(big.NewInt(1), decimal.NewFromInt(1), 0, decimal.NewFromInt(1), decimal.NewFromInt(1))
	require.ErrorIs(t, err, apperror.ErrInvalidArguments)

	_, err = ScaledPriorityFee(big.NewInt(1), decimal.NewFromInt(1), 1, decimal.Zero, decimal.NewFromInt(1))
	require.ErrorIs(t, err, apperror.ErrInvalidArguments)

	_, err = ScaledPriorityFee(nil, decimal.NewFromInt(1), 1, decimal.NewFromInt(1), decimal.NewFromInt(1))
	require.ErrorIs(t, err, apperror.ErrInvalidArguments)
}
