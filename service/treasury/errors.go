package treasury

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind classifies treasury failures so the transport layer can map them
// without inspecting messages.
type Kind string

const (
	KindConnection           Kind = "connection_error"
	KindInvalidAmount        Kind = "invalid_amount"
	KindInvalidRequest       Kind = "invalid_request"
	KindInsufficientReserve  Kind = "insufficient_reserve"
	KindInsufficientEarnings Kind = "insufficient_earnings"
	KindServiceUnavailable   Kind = "service_unavailable"
	KindTransactionFailed    Kind = "transaction_failed"
	KindNotFound             Kind = "not_found"
)

// Error carries the failure kind plus the state figures a caller needs to
// decide whether to retry with an adjusted amount.
type Error struct {
	Kind    Kind
	Message string

	// Reserve failures, in ETH.
	Balance         *decimal.Decimal
	MaxWithdrawable *decimal.Decimal
	// Requested is in ETH for withdrawals and USD for allocations.
	Requested *decimal.Decimal
	// Available earnings in USD, for allocation failures.
	Available *decimal.Decimal

	// TxHash is set when a transaction reached the network.
	TxHash string
	// Pending is true when the outcome of a submitted transaction is unknown.
	Pending bool

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" if err is not a treasury error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err is a treasury error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func invalidAmount(msg string) *Error {
	return &Error{Kind: KindInvalidAmount, Message: msg}
}

func serviceUnavailable(msg string, err error) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: msg, Err: err}
}

func insufficientReserve(balance, maxSendable, requested decimal.Decimal) *Error {
	return &Error{
		Kind:            KindInsufficientReserve,
		Message:         "insufficient treasury balance (reserving gas fee)",
		Balance:         ptr(balance),
		MaxWithdrawable: ptr(decimal.Max(decimal.Zero, maxSendable)),
		Requested:       ptr(requested),
	}
}

func transactionFailed(txHash string, pending bool, err error) *Error {
	return &Error{
		Kind:    KindTransactionFailed,
		Message: "transaction failed",
		TxHash:  txHash,
		Pending: pending,
		Err:     err,
	}
}

// Amounts finer than one wei or at or above maxAmount are rejected before any
// arithmetic touches them. Exponents are checked first so that inputs such as
// 1e-20000000 never get rescaled.
const (
	minAmountExponent = -18
	maxAmountExponent = 15
)

var maxAmount = decimal.New(1, maxAmountExponent)

// CheckAmount reports whether d has a precision and magnitude the engine
// accepts. Zero is always accepted.
func CheckAmount(d decimal.Decimal) error {
	if d.IsZero() {
		return nil
	}
	if d.Exponent() < minAmountExponent {
		return invalidAmount("amount has more than 18 decimal places")
	}
	if d.Exponent() > maxAmountExponent || d.Abs().GreaterThanOrEqual(maxAmount) {
		return invalidAmount("amount is too large")
	}
	return nil
}
