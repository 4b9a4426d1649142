// Package notify delivers fire-and-forget events about purchases, refunds
// and abuse blocks to end users and the operator log channel.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/punchamoorthee/numbroker/internal/domain"
)

type Kind string

const (
	PurchaseSucceeded     Kind = "purchase_succeeded"
	PurchaseFailed        Kind = "purchase_failed"
	OrderRefunded         Kind = "order_refunded"
	AccountBlocked        Kind = "account_blocked"
	BalanceAdjusted       Kind = "balance_adjusted"
	CancellationAbandoned Kind = "cancellation_abandoned"
)

type Event struct {
	Kind        Kind
	AccountID   int64
	OrderID     string
	Service     string
	Country     string
	PhoneNumber string
	Amount      domain.Money
	// Reason is a stable code such as "insufficient_funds" or "expired".
	Reason string
	At     time.Time
}

// Notifier must not block the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	switch ev.Kind {
	case AccountBlocked, CancellationAbandoned:
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "event",
		"kind", string(ev.Kind),
		"account_id", ev.AccountID,
		"order_id", ev.OrderID,
		"amount", ev.Amount.String(),
		"reason", ev.Reason,
	)
}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
