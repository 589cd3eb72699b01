package vault

import (
	"errors"

	"multivault/native/fees"
	"multivault/native/fixedpoint"
	"multivault/native/vault/curve"
)

// ErrCurveNotFound is shared with the curve registry so callers can match
// either with errors.Is.
var ErrCurveNotFound = curve.ErrCurveNotFound

var (
	ErrNotConfigured       = errors.New("vault: ledger not configured")
	ErrVaultNotFound       = errors.New("vault: vault not initialised")
	ErrInsufficientShares  = errors.New("vault: insufficient shares")
	ErrSlippageExceeded    = errors.New("vault: slippage exceeded")
	ErrZeroAmount          = errors.New("vault: amount must be positive")
	ErrArrayLengthMismatch = errors.New("vault: array length mismatch")
	ErrZeroShares          = errors.New("vault: deposit mints zero shares")
	ErrZeroAssets          = errors.New("vault: redemption releases zero assets")
	ErrDepositTooSmall     = errors.New("vault: initial deposit below minimum")
	ErrInvalidReceiver     = errors.New("vault: receiver must not be the zero address")
	ErrCurveCapacity       = errors.New("vault: curve capacity exceeded")
	ErrArithmetic          = errors.New("vault: arithmetic failure")
	ErrInvariantViolation  = errors.New("vault: invariant violation")
)

// ErrorClass groups failures by how a caller should react to them.
type ErrorClass string

const (
	// ClassConfiguration covers unregistered curves and malformed fee
	// configuration: the system is misconfigured.
	ClassConfiguration ErrorClass = "configuration"
	// ClassEconomic covers failures the caller can fix by resubmitting with
	// different parameters.
	ClassEconomic ErrorClass = "economic"
	// ClassArithmetic covers overflow and curve domain failures.
	ClassArithmetic ErrorClass = "arithmetic"
	ClassUnknown    ErrorClass = "unknown"
)

// Classify maps err onto its ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCurveNotFound),
		errors.Is(err, ErrNotConfigured),
		errors.Is(err, fees.ErrInvalidConfig):
		return ClassConfiguration
	case errors.Is(err, ErrArithmetic),
		errors.Is(err, ErrCurveCapacity),
		errors.Is(err, curve.ErrDomainExceeded),
		errors.Is(err, curve.ErrInsufficientSupply),
		errors.Is(err, fixedpoint.ErrOverflow),
		errors.Is(err, fixedpoint.ErrUnderflow),
		errors.Is(err, fixedpoint.ErrDivisionByZero):
		return ClassArithmetic
	case errors.Is(err, ErrVaultNotFound),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrZeroAmount),
		errors.Is(err, ErrArrayLengthMismatch),
		errors.Is(err, ErrZeroShares),
		errors.Is(err, ErrZeroAssets),
		errors.Is(err, ErrDepositTooSmall),
		errors.Is(err, ErrInvalidReceiver),
		errors.Is(err, fees.ErrFeesExceedAmount):
		return ClassEconomic
	default:
		return ClassUnknown
	}
}

var reasons = []struct {
	err    error
	reason string
}{
	{ErrCurveNotFound, "curve_not_found"},
	{ErrNotConfigured, "not_configured"},
	{fees.ErrInvalidConfig, "invalid_fee_config"},
	{ErrVaultNotFound, "vault_not_found"},
	{ErrInsufficientShares, "insufficient_shares"},
	{ErrSlippageExceeded, "slippage_exceeded"},
	{ErrZeroAmount, "zero_amount"},
	{ErrArrayLengthMismatch, "array_length_mismatch"},
	{ErrZeroShares, "zero_shares"},
	{ErrZeroAssets, "zero_assets"},
	{ErrDepositTooSmall, "deposit_too_small"},
	{ErrInvalidReceiver, "invalid_receiver"},
	{ErrCurveCapacity, "curve_capacity"},
	{fees.ErrFeesExceedAmount, "fees_exceed_amount"},
}

// Reason returns a short, stable label for err suitable for metrics.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, candidate := range reasons {
		if errors.Is(err, candidate.err) {
			return candidate.reason
		}
	}
	if Classify(err) == ClassArithmetic {
		return "arithmetic"
	}
	return "internal"
}
