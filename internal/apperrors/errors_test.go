package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestKindOf(t *testing.T) {
	balance := &BalanceError{
		Err:       ErrAmountExceedsPaymentBalance,
		Requested: decimal.NewFromInt(10),
		Remaining: decimal.NewFromInt(4),
	}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"wrapped not found", NotFound("payment", "abc"), KindNotFound},
		{"invalid", Invalid("amount must be positive"), KindInvalidRequest},
		{"balance error", fmt.Errorf("create allocation: %w", balance), KindAmountExceedsPaymentBalance},
		{"direction", ErrIncompatibleDirection, KindIncompatibleDirection},
		{"conflict", ErrConcurrentModification, KindConcurrentModification},
		{"blocked", ErrReferentialDeleteBlocked, KindReferentialDeleteBlocked},
		{"other", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBalanceErrorMessage(t *testing.T) {
	err := &BalanceError{
		Err:       ErrAmountExceedsObligationBalance,
		Requested: decimal.RequireFromString("150"),
		Remaining: decimal.RequireFromString("99.5"),
	}
	want := "amount exceeds obligation balance: requested 150.00, remaining 99.50"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	var target *BalanceError
	if !errors.As(fmt.Errorf("wrap: %w", err), &target) {
		t.Fatal("errors.As failed to find BalanceError")
	}
	if !target.Remaining.Equal(decimal.RequireFromString("99.50")) {
		t.Errorf("Remaining = %s", target.Remaining)
	}
}
