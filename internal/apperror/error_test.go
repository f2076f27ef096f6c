package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIsMatchesByCode verifies sentinels match any error carrying the same code.
func TestIsMatchesByCode(t *testing.T) {
	err := InvalidArguments("both flags set")
	require.ErrorIs(t, err, ErrInvalidArguments)
	require.NotErrorIs(t, err, ErrExternalCallFailure)

	wrapped := fmt.Errorf("sizing pool: %w", err)
	require.ErrorIs(t, wrapped, ErrInvalidArguments)
	require.Equal(t, CodeInvalidArguments, CodeOf(wrapped))
}

// TestExternalKeepsCause verifies the collaborator error stays reachable through Unwrap.
func TestExternalKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := External("reading base fee", cause)

	require.ErrorIs(t, err, ErrExternalCallFailure)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "reading base fee: external call failed: connection reset", err.Error())
}

// TestCodeOfPlainError verifies non-taxonomy errors have no code.
func TestCodeOfPlainError(t *testing.T) {
	require.Equal(t, Code(""), CodeOf(errors.New("boom")))
	require.Equal(t, "missing market data", New(CodeMissingMarketData).Error())
}
