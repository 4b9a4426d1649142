package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderExists          = errors.New("order already exists")
	ErrOrderAlreadyTerminal = errors.New("order already in a terminal state")
	ErrInvalidTransition    = errors.New("orders can only move to a terminal status")
	ErrRateLimited          = errors.New("too many failed purchases")
)

// BlockedError explains why a purchase was refused by the anti-abuse limiter.
type BlockedError struct {
	FailedTotal Money
	Required    Money
	Balance     Money
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("too many failed purchases (%s): need %s to proceed, have %s",
		e.FailedTotal, e.Required, e.Balance)
}

func (e *BlockedError) Is(target error) bool {
	return target == ErrRateLimited
}
