package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account holds a prepaid balance. Balance and TotalSpent change only through
// ledger credits and debits.
type Account struct {
	ID         int64     `json:"id"`
	Balance    Money     `json:"balance"`
	TotalSpent Money     `json:"total_spent"`
	CreatedAt  time.Time `json:"created_at"`
}

type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// LedgerEntry is one immutable balance movement. Amount is signed: debits are
// negative, so the sum of an account's entries always equals its balance.
type LedgerEntry struct {
	ID        string    `json:"id"`
	AccountID int64     `json:"account_id"`
	Amount    Money     `json:"amount"`
	Kind      EntryKind `json:"kind"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEntry builds a signed entry for a positive amount.
func NewEntry(accountID int64, kind EntryKind, amount Money, reason string, at time.Time) LedgerEntry {
	signed := amount
	if kind == EntryDebit {
		signed = -amount
	}
	return LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    signed,
		Kind:      kind,
		Reason:    reason,
		CreatedAt: at.UTC(),
	}
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderActive    OrderStatus = "active"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
	OrderCompleted OrderStatus = "completed"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCancelled, OrderRefunded, OrderCompleted:
		return true
	}
	return false
}

// Order is one reserved phone number. ID is assigned by the provider.
// CostCharged is what the account was debited, fixed at creation; ProviderCost
// is what the provider billed us for the same number.
type Order struct {
	ID           string      `json:"id"`
	AccountID    int64       `json:"account_id"`
	ServiceCode  string      `json:"service_code"`
	CountryCode  string      `json:"country_code"`
	PhoneNumber  string      `json:"phone_number"`
	CostCharged  Money       `json:"cost_charged"`
	ProviderCost string      `json:"provider_cost"`
	Status       OrderStatus `json:"status"`

	// Display-only progress; never affects Status.
	Code           string     `json:"code,omitempty"`
	CodeText       string     `json:"code_text,omitempty"`
	CodeReceivedAt *time.Time `json:"code_received_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FailedPurchase records a reservation whose debit failed for lack of funds.
type FailedPurchase struct {
	AccountID int64
	Amount    Money
	At        time.Time
}

// PendingCancellation is a reserved number whose release call failed and must
// be retried.
type PendingCancellation struct {
	OrderID        string    `json:"order_id"`
	AccountID      int64     `json:"account_id"`
	FirstFailureAt time.Time `json:"first_failure_at"`
	Attempts       int       `json:"attempts"`
}

// Stats is an operator overview across all accounts.
type Stats struct {
	Accounts     int   `json:"accounts"`
	TotalBalance Money `json:"total_balance"`
	TotalSpent   Money `json:"total_spent"`
	Orders       int   `json:"orders"`
	OpenOrders   int   `json:"open_orders"`
	EntriesToday int   `json:"entries_today"`
	OrdersToday  int   `json:"orders_today"`
}
