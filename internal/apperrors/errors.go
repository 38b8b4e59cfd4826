// Package apperrors defines the error kinds the allocation engine reports.
// Callers match with errors.Is; BalanceError additionally carries the
// remaining balance so a form can correct its input.
package apperrors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound                       = errors.New("not found")
	ErrInvalidRequest                 = errors.New("invalid request")
	ErrAmountExceedsPaymentBalance    = errors.New("amount exceeds payment balance")
	ErrAmountExceedsObligationBalance = errors.New("amount exceeds obligation balance")
	ErrIncompatibleDirection          = errors.New("obligation kind is not valid for payment direction")
	ErrConcurrentModification         = errors.New("concurrent modification")
	ErrReferentialDeleteBlocked       = errors.New("delete blocked by active allocations")
)

// Kind names used on the wire.
const (
	KindNotFound                       = "not_found"
	KindInvalidRequest                 = "invalid_request"
	KindAmountExceedsPaymentBalance    = "amount_exceeds_payment_balance"
	KindAmountExceedsObligationBalance = "amount_exceeds_obligation_balance"
	KindIncompatibleDirection          = "incompatible_direction"
	KindConcurrentModification         = "concurrent_modification"
	KindReferentialDeleteBlocked       = "referential_delete_blocked"
	KindInternal                       = "internal"
)

// BalanceError is returned when a requested amount does not fit the remaining
// balance of a payment or obligation.
type BalanceError struct {
	Err       error
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%v: requested %s, remaining %s", e.Err, e.Requested.StringFixed(2), e.Remaining.StringFixed(2))
}

func (e *BalanceError) Unwrap() error {
	return e.Err
}

func NotFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// KindOf maps err onto its wire kind.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrAmountExceedsPaymentBalance):
		return KindAmountExceedsPaymentBalance
	case errors.Is(err, ErrAmountExceedsObligationBalance):
		return KindAmountExceedsObligationBalance
	case errors.Is(err, ErrIncompatibleDirection):
		return KindIncompatibleDirection
	case errors.Is(err, ErrConcurrentModification):
		return KindConcurrentModification
	case errors.Is(err, ErrReferentialDeleteBlocked):
		return KindReferentialDeleteBlocked
	default:
		return KindInternal
	}
}
