// Package apperror defines the error taxonomy shared by the pricing, market and execution layers.
package apperror

import (
	"errors"
	"fmt"
)

// Code classifies an error.
type Code string

const (
	// CodeInvalidArguments marks a caller error such as ambiguous direction flags.
	CodeInvalidArguments Code = "INVALID_ARGUMENTS"
	// CodeMissingMarketData marks a decision taken while a market field was still unknown.
	CodeMissingMarketData Code = "MISSING_MARKET_DATA"
	// CodeExternalCallFailure marks a failed read, submission or confirmation against the chain.
	CodeExternalCallFailure Code = "EXTERNAL_CALL_FAILURE"
)

var messages = map[Code]string{
	CodeInvalidArguments:    "invalid arguments",
	CodeMissingMarketData:   "missing market data",
	CodeExternalCallFailure: "external call failed",
}

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrInvalidArguments    = &AppError{Code: CodeInvalidArguments, Message: messages[CodeInvalidArguments]}
	ErrMissingMarketData   = &AppError{Code: CodeMissingMarketData, Message: messages[CodeMissingMarketData]}
	ErrExternalCallFailure = &AppError{Code: CodeExternalCallFailure, Message: messages[CodeExternalCallFailure]}
)

// AppError carries a code, an optional context string and an optional cause.
type AppError struct {
	Code    Code
	Message string
	Context string
	cause   error
}

// Option configures an AppError built by New.
type Option func(*AppError)

// WithCause attaches the underlying error.
func WithCause(err error) Option {
	return func(e *AppError) {
		e.cause = err
	}
}

// WithContext attaches a short description of what was being attempted.
func WithContext(format string, args ...any) Option {
	return func(e *AppError) {
		e.Context = fmt.Sprintf(format, args...)
	}
}

// New builds an error for the given code.
func New(code Code, opts ...Option) *AppError {
	e := &AppError{Code: code, Message: messages[code]}
	for _, opt := range opts {
		opt(e)
	}
	if e.Message == "" {
		e.Message = string(code)
	}
	return e
}

// InvalidArguments is shorthand for New(CodeInvalidArguments, WithContext(...)).
func InvalidArguments(format string, args ...any) *AppError {
	return New(CodeInvalidArguments, WithContext(format, args...))
}

// External wraps a collaborator failure with the operation that was attempted.
func External(op string, err error) *AppError {
	return New(CodeExternalCallFailure, WithContext("%s", op), WithCause(err))
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Context != "" {
		msg = e.Context + ": " + msg
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the code of the first AppError in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var e *AppError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
