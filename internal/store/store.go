// Package store persists accounts, ledger entries and orders.
//
// Two backends implement Store: Postgres for deployments and Bolt for a
// single-file embedded database. Both serialize mutations of one account,
// perform the funds check and the entry append in the same transaction, and
// move orders between statuses only with a compare-and-set on status.
package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/numbroker/internal/domain"
)

// Ledger owns accounts and their append-only entry log.
type Ledger interface {
	// EnsureAccount returns the account, provisioning it with a zero balance
	// when it does not exist yet.
	EnsureAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetBalance(ctx context.Context, id int64) (domain.Money, error)
	Credit(ctx context.Context, id int64, amount domain.Money, reason string) (*domain.LedgerEntry, error)
	// Debit fails with domain.ErrInsufficientFunds instead of taking the
	// balance below zero.
	Debit(ctx context.Context, id int64, amount domain.Money, reason string) (*domain.LedgerEntry, error)
	// Entries lists newest first; limit <= 0 means all.
	Entries(ctx context.Context, id int64, limit int) ([]domain.LedgerEntry, error)
}

// Orders owns order records. Orders are never deleted.
type Orders interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	// ListOrders lists an account's orders newest first; limit <= 0 means all.
	ListOrders(ctx context.Context, accountID int64, limit int) ([]domain.Order, error)
	// ListOpenOrders returns every order in a non-terminal status.
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)
	// RecordCode stores display-only progress reported by the provider.
	RecordCode(ctx context.Context, id, code, text string, at time.Time) (*domain.Order, error)
	// Transition moves a non-terminal order to the terminal status to with no
	// ledger effect. It fails with domain.ErrOrderAlreadyTerminal when another
	// caller won and with domain.ErrInvalidTransition when to is not terminal.
	Transition(ctx context.Context, id string, to domain.OrderStatus) (*domain.Order, error)
}

// Store is the full persistence contract used by the orchestrator.
type Store interface {
	Ledger
	Orders

	// PlaceOrder debits o.CostCharged from o.AccountID and inserts o as
	// active in one transaction. On domain.ErrInsufficientFunds nothing is
	// written.
	PlaceOrder(ctx context.Context, o *domain.Order) (*domain.LedgerEntry, error)

	// SettleRefund moves a non-terminal order to status `to` and credits its
	// CostCharged back in one transaction. Exactly one caller can win for a
	// given order; the others get domain.ErrOrderAlreadyTerminal and no
	// credit is written.
	SettleRefund(ctx context.Context, id string, to domain.OrderStatus, reason string) (*domain.Order, *domain.LedgerEntry, error)

	Stats(ctx context.Context, now time.Time) (*domain.Stats, error)
	Close() error
}

func limitOf(n, limit int) int {
	if limit > 0 && n > limit {
		return limit
	}
	return n
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
