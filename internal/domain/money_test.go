package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in   string
		want Money
	}{
		{"5", 500},
		{"5.00", 500},
		{"12.5", 1250},
		{"0.015", 2},
		{"0.014", 1},
		{"20", Dollars(20, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMoney(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := ParseMoney("five"); err == nil {
		t.Fatal("expected error for non-numeric input")
	}
}

func TestMoneyString(t *testing.T) {
	tests := []struct {
		m    Money
		want string
	}{
		{0, "$0.00"},
		{500, "$5.00"},
		{1999, "$19.99"},
		{-300, "-$3.00"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("Money(%d).String() = %q, want %q", int64(tt.m), got, tt.want)
		}
	}
}

func TestMulDecimal(t *testing.T) {
	if got := Money(150).MulDecimal(decimal.NewFromInt(2)); got != 300 {
		t.Errorf("got %d, want 300", got)
	}
	if got := Money(333).MulDecimal(decimal.RequireFromString("1.5")); got != 500 {
		t.Errorf("got %d, want 500", got)
	}
}

func TestBlockedErrorMatchesRateLimited(t *testing.T) {
	var err error = &BlockedError{FailedTotal: 2500, Required: 1000, Balance: 0}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatal("BlockedError should match ErrRateLimited")
	}
	if errors.Is(err, ErrInsufficientFunds) {
		t.Fatal("BlockedError must not match ErrInsufficientFunds")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderCancelled, OrderRefunded, OrderCompleted} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderPending, OrderActive} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
