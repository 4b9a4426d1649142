package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/numbroker/internal/domain"
)

const (
	DefaultCancelRetryInterval = 180 * time.Second
	DefaultCancelRetryMaxAge   = 1200 * time.Second
	DefaultAutoRefundInterval  = 300 * time.Second
)

type CancelQueue interface {
	PendingCancellations() []domain.PendingCancellation
	RetryCancellation(ctx context.Context, p domain.PendingCancellation) error
	Abandon(ctx context.Context, p domain.PendingCancellation)
	PurgeFailures() int
}

// CancelRetrier retries queued releases. An entry that still fails once it
// is MaxAge old is dropped without a refund.
type CancelRetrier struct {
	Queue  CancelQueue
	MaxAge time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

type SweepResult struct {
	Confirmed int
	Kept      int
	Abandoned int
}

func (r *CancelRetrier) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if n := r.Queue.PurgeFailures(); n > 0 {
		r.Logger.Debug("purged expired failure records", "count", n)
	}

	for _, p := range r.Queue.PendingCancellations() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := r.Queue.RetryCancellation(ctx, p)
		if err == nil {
			res.Confirmed++
			continue
		}
		if r.Now().Sub(p.FirstFailureAt) >= r.MaxAge {
			r.Queue.Abandon(ctx, p)
			res.Abandoned++
			continue
		}
		r.Logger.Info("release still pending", "order_id", p.OrderID, "attempts", p.Attempts+1, "error", err)
		res.Kept++
	}

	pendingCancellations.Set(float64(len(r.Queue.PendingCancellations())))
	return res, nil
}

// Run adapts Sweep to Periodic.
func (r *CancelRetrier) Run(ctx context.Context) error {
	res, err := r.Sweep(ctx)
	if res.Confirmed+res.Abandoned > 0 {
		r.Logger.Info("cancel retry sweep", "confirmed", res.Confirmed, "kept", res.Kept, "abandoned", res.Abandoned)
	}
	return err
}

type ExpiryChecker interface {
	OpenOrders(ctx context.Context) ([]domain.Order, error)
	RefundIfExpired(ctx context.Context, order domain.Order) (bool, error)
}

// AutoRefunder refunds open orders the provider has cancelled on its own.
type AutoRefunder struct {
	Orders ExpiryChecker
	Logger *slog.Logger
}

// Sweep checks every open order. A failure on one order does not stop the
// others; the errors are joined.
func (a *AutoRefunder) Sweep(ctx context.Context) (int, error) {
	orders, err := a.Orders.OpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}

	refunded := 0
	var errs []error
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return refunded, err
		}
		ok, err := a.Orders.RefundIfExpired(ctx, o)
		if err != nil {
			a.Logger.Warn("expiry check failed", "order_id", o.ID, "account_id", o.AccountID, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			refunded++
		}
	}
	if refunded > 0 {
		a.Logger.Info("auto refund sweep", "checked", len(orders), "refunded", refunded)
	}
	if len(errs) > 0 {
		return refunded, fmt.Errorf("%d of %d expiry checks failed: %w", len(errs), len(orders), errors.Join(errs...))
	}
	return refunded, nil
}

func (a *AutoRefunder) Run(ctx context.Context) error {
	_, err := a.Sweep(ctx)
	return err
}
