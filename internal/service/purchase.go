// Package service coordinates the provider, the ledger and the anti-abuse
// limiter. It owns the order state machine: every refund goes through a
// status compare-and-set in the store, so whichever path wins the transition
// is the only one that credits the account.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/numbroker/internal/domain"
	"github.com/punchamoorthee/numbroker/internal/limiter"
	"github.com/punchamoorthee/numbroker/internal/notify"
	"github.com/punchamoorthee/numbroker/internal/pricing"
	"github.com/punchamoorthee/numbroker/internal/provider"
	"github.com/punchamoorthee/numbroker/internal/store"
)

const DefaultProviderTimeout = 10 * time.Second

type Orchestrator struct {
	store    store.Store
	gw       provider.Gateway
	prices   *pricing.Catalog
	failures *limiter.FailureWindow
	cancels  *limiter.CancelQueue
	notifier notify.Notifier
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithProviderTimeout bounds every individual provider call.
func WithProviderTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(s store.Store, gw provider.Gateway, prices *pricing.Catalog, failures *limiter.FailureWindow, cancels *limiter.CancelQueue, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		gw:       gw,
		prices:   prices,
		failures: failures,
		cancels:  cancels,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		timeout:  DefaultProviderTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) emit(ctx context.Context, ev notify.Event) {
	ev.At = o.now()
	o.notifier.Notify(ctx, ev)
}

// providerCall runs fn under the provider timeout. A deadline is reported as
// provider.ErrUnavailable, never as success.
func (o *Orchestrator) providerCall(ctx context.Context, fn func(ctx context.Context) error) error {
	pctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	err := fn(pctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, provider.ErrUnavailable) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	return err
}

// Purchase reserves a number, then debits the account and records the order
// in one store transaction. When the debit fails the reservation is released;
// a release that cannot be confirmed is queued for retry.
func (o *Orchestrator) Purchase(ctx context.Context, accountID int64, service, country string) (*domain.Order, error) {
	acc, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	estimate, err := o.prices.Estimate(ctx, service, country)
	if err != nil {
		if !errors.Is(err, pricing.ErrPriceUnknown) {
			o.logger.Warn("price estimate unavailable", "service", service, "country", country, "error", err)
		}
		estimate = 0
	}

	if err := o.failures.IsBlocked(accountID, estimate, acc.Balance); err != nil {
		o.logger.Warn("purchase blocked", "account_id", accountID, "error", err)
		o.emit(ctx, notify.Event{
			Kind: notify.AccountBlocked, AccountID: accountID, Service: service, Country: country,
			Amount: estimate, Reason: Reason(err),
		})
		return nil, err
	}

	var res *provider.Reservation
	err = o.providerCall(ctx, func(ctx context.Context) error {
		var err error
		res, err = o.gw.Reserve(ctx, service, country)
		return err
	})
	if err != nil {
		level := slog.LevelWarn
		if provider.IsReservationRefusal(err) {
			level = slog.LevelInfo
		}
		o.logger.Log(ctx, level, "reservation failed", "account_id", accountID, "service", service, "country", country, "error", err)
		o.emit(ctx, notify.Event{
			Kind: notify.PurchaseFailed, AccountID: accountID, Service: service, Country: country,
			Amount: estimate, Reason: Reason(err),
		})
		return nil, fmt.Errorf("reserve %s in %s: %w", service, country, err)
	}

	// The number is held from here on, so the caller going away must not stop
	// settlement or compensation halfway.
	sctx := context.WithoutCancel(ctx)

	order := &domain.Order{
		ID:           res.ID,
		AccountID:    accountID,
		ServiceCode:  service,
		CountryCode:  country,
		PhoneNumber:  res.PhoneNumber,
		CostCharged:  o.prices.Charge(res.Cost),
		ProviderCost: res.Cost.String(),
	}
	if order.CostCharged <= 0 {
		o.release(sctx, order.ID, accountID)
		return nil, fmt.Errorf("%w: non-positive charge for cost %s", provider.ErrAmbiguous, res.Cost)
	}

	if _, err := o.store.PlaceOrder(sctx, order); err != nil {
		return nil, o.compensate(sctx, order, err)
	}

	o.logger.Info("order placed",
		"order_id", order.ID, "account_id", accountID, "service", service, "country", country,
		"charged", order.CostCharged.String(), "estimate", estimate.String(), "provider_cost", order.ProviderCost)
	o.emit(ctx, notify.Event{
		Kind: notify.PurchaseSucceeded, AccountID: accountID, OrderID: order.ID, Service: service,
		Country: country, PhoneNumber: order.PhoneNumber, Amount: order.CostCharged,
	})
	return order, nil
}

func (o *Orchestrator) compensate(ctx context.Context, order *domain.Order, placeErr error) error {
	if errors.Is(placeErr, domain.ErrOrderExists) {
		o.logger.Error("provider reused an activation id", "order_id", order.ID, "account_id", order.AccountID)
		return fmt.Errorf("place order %s: %w", order.ID, placeErr)
	}

	o.release(ctx, order.ID, order.AccountID)

	if errors.Is(placeErr, domain.ErrInsufficientFunds) {
		o.failures.RecordFailure(order.AccountID, order.CostCharged)
		o.logger.Info("purchase refused for funds",
			"order_id", order.ID, "account_id", order.AccountID, "charged", order.CostCharged.String())
		o.emit(ctx, notify.Event{
			Kind: notify.PurchaseFailed, AccountID: order.AccountID, OrderID: order.ID,
			Service: order.ServiceCode, Country: order.CountryCode, Amount: order.CostCharged,
			Reason: Reason(placeErr),
		})
		return placeErr
	}

	o.logger.Error("place order failed", "order_id", order.ID, "account_id", order.AccountID, "error", placeErr)
	o.emit(ctx, notify.Event{
		Kind: notify.PurchaseFailed, AccountID: order.AccountID, OrderID: order.ID,
		Service: order.ServiceCode, Country: order.CountryCode, Amount: order.CostCharged,
		Reason: Reason(placeErr),
	})
	return fmt.Errorf("place order %s: %w", order.ID, placeErr)
}

// release cancels a reservation that has no order behind it. It reports
// whether the provider confirmed.
func (o *Orchestrator) release(ctx context.Context, id string, accountID int64) bool {
	err := o.providerCall(ctx, func(ctx context.Context) error {
		return o.gw.RequestCancel(ctx, id)
	})
	if err == nil {
		return true
	}
	o.logger.Warn("release failed, queued for retry", "order_id", id, "account_id", accountID, "error", err)
	o.cancels.Push(id, accountID, o.now())
	return false
}

func (o *Orchestrator) owned(ctx context.Context, accountID int64, orderID string) (*domain.Order, error) {
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.AccountID != accountID {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// Check polls the provider and records a received code. It never touches the
// ledger or the order status.
func (o *Orchestrator) Check(ctx context.Context, accountID int64, orderID string) (*domain.Order, error) {
	order, err := o.owned(ctx, accountID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return order, nil
	}

	var st *provider.Status
	err = o.providerCall(ctx, func(ctx context.Context) error {
		var err error
		st, err = o.gw.PollStatus(ctx, orderID)
		return err
	})
	if err != nil {
		return order, fmt.Errorf("poll %s: %w", orderID, err)
	}
	return o.recordCode(ctx, order, st)
}

func (o *Orchestrator) recordCode(ctx context.Context, order *domain.Order, st *provider.Status) (*domain.Order, error) {
	if !st.CodeReceived || st.Code == order.Code {
		return order, nil
	}
	updated, err := o.store.RecordCode(ctx, order.ID, st.Code, st.Text, st.ReceivedAt)
	if err != nil {
		return order, fmt.Errorf("record code for %s: %w", order.ID, err)
	}
	o.logger.Info("code received", "order_id", order.ID, "account_id", order.AccountID)
	return updated, nil
}

// Cancel asks the provider to release the number and refunds the charge once
// it confirms. If the provider cannot be reached the release is queued and
// the refund happens when a retry succeeds.
func (o *Orchestrator) Cancel(ctx context.Context, accountID int64, orderID string) (*domain.Order, error) {
	order, err := o.owned(ctx, accountID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, domain.ErrOrderAlreadyTerminal
	}

	err = o.providerCall(ctx, func(ctx context.Context) error {
		return o.gw.RequestCancel(ctx, orderID)
	})
	switch {
	case err == nil:
		return o.refund(context.WithoutCancel(ctx), orderID, domain.OrderCancelled, "cancelled")
	case errors.Is(err, provider.ErrCancelled):
		return o.refund(context.WithoutCancel(ctx), orderID, domain.OrderRefunded, "expired")
	case errors.Is(err, provider.ErrNotFound):
		o.logger.Warn("provider has no record of activation, not refunding", "order_id", orderID, "account_id", accountID)
	case errors.Is(err, provider.ErrUnavailable), errors.Is(err, provider.ErrAmbiguous):
		o.cancels.Push(orderID, accountID, o.now())
		o.logger.Warn("cancel not confirmed, queued for retry", "order_id", orderID, "account_id", accountID, "error", err)
	}
	return nil, fmt.Errorf("cancel %s: %w", orderID, err)
}

// refund performs the status compare-and-set together with the credit. A
// caller that loses the race gets domain.ErrOrderAlreadyTerminal and nothing
// is credited.
func (o *Orchestrator) refund(ctx context.Context, orderID string, to domain.OrderStatus, why string) (*domain.Order, error) {
	order, entry, err := o.store.SettleRefund(ctx, orderID, to, fmt.Sprintf("refund %s (%s)", orderID, why))
	if err != nil {
		return nil, err
	}
	o.logger.Info("order refunded",
		"order_id", orderID, "account_id", order.AccountID, "status", string(order.Status),
		"amount", entry.Amount.String(), "entry_id", entry.ID)
	o.emit(ctx, notify.Event{
		Kind: notify.OrderRefunded, AccountID: order.AccountID, OrderID: orderID,
		Service: order.ServiceCode, Country: order.CountryCode, PhoneNumber: order.PhoneNumber,
		Amount: entry.Amount, Reason: why,
	})
	return order, nil
}

// Complete marks the activation finished at the provider and closes the
// order without any ledger effect.
func (o *Orchestrator) Complete(ctx context.Context, accountID int64, orderID string) (*domain.Order, error) {
	order, err := o.owned(ctx, accountID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, domain.ErrOrderAlreadyTerminal
	}

	err = o.providerCall(ctx, func(ctx context.Context) error {
		return o.gw.Finish(ctx, orderID)
	})
	if err != nil {
		return nil, fmt.Errorf("finish %s: %w", orderID, err)
	}

	order, err = o.store.Transition(context.WithoutCancel(ctx), orderID, domain.OrderCompleted)
	if err != nil {
		return nil, err
	}
	o.logger.Info("order completed", "order_id", orderID, "account_id", accountID)
	return order, nil
}

// RefundIfExpired polls one open order and refunds it when the provider has
// cancelled it on its own. It reports whether this call performed the refund.
func (o *Orchestrator) RefundIfExpired(ctx context.Context, order domain.Order) (bool, error) {
	var st *provider.Status
	err := o.providerCall(ctx, func(ctx context.Context) error {
		var err error
		st, err = o.gw.PollStatus(ctx, order.ID)
		return err
	})
	switch {
	case err == nil:
		_, err = o.recordCode(ctx, &order, st)
		return false, err
	case errors.Is(err, provider.ErrCancelled):
		_, err = o.refund(ctx, order.ID, domain.OrderRefunded, "expired")
		if errors.Is(err, domain.ErrOrderAlreadyTerminal) {
			return false, nil
		}
		return err == nil, err
	}
	return false, fmt.Errorf("poll %s: %w", order.ID, err)
}

// RetryCancellation makes one more release attempt for a queued entry. The
// provider's answer is settled the same way as in Cancel: a confirmation
// refunds as cancelled, an activation it already cancelled refunds as
// expired, and an unknown activation leaves the queue with no credit.
func (o *Orchestrator) RetryCancellation(ctx context.Context, p domain.PendingCancellation) error {
	err := o.providerCall(ctx, func(ctx context.Context) error {
		return o.gw.RequestCancel(ctx, p.OrderID)
	})
	switch {
	case err == nil:
		o.cancels.Remove(p.OrderID)
		return o.settleQueued(ctx, p, domain.OrderCancelled, "cancelled")
	case errors.Is(err, provider.ErrCancelled):
		o.cancels.Remove(p.OrderID)
		return o.settleQueued(ctx, p, domain.OrderRefunded, "expired")
	case errors.Is(err, provider.ErrNotFound):
		o.cancels.Remove(p.OrderID)
		o.logger.Warn("provider has no record of queued release, dropping without refund",
			"order_id", p.OrderID, "account_id", p.AccountID, "attempts", p.Attempts+1)
		return nil
	}
	o.cancels.Attempted(p.OrderID)
	return fmt.Errorf("retry cancel %s: %w", p.OrderID, err)
}

// settleQueued refunds the order behind a released number. A release queued
// by a failed purchase has no order and credits nothing.
func (o *Orchestrator) settleQueued(ctx context.Context, p domain.PendingCancellation, to domain.OrderStatus, why string) error {
	_, err := o.refund(ctx, p.OrderID, to, why)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrOrderAlreadyTerminal):
		o.logger.Info("queued release confirmed", "order_id", p.OrderID, "account_id", p.AccountID, "attempts", p.Attempts+1)
	default:
		return err
	}
	return nil
}

// Abandon drops a queued release without any refund. The number may stay
// billable at the provider; the event lets an operator follow up.
func (o *Orchestrator) Abandon(ctx context.Context, p domain.PendingCancellation) {
	if !o.cancels.Remove(p.OrderID) {
		return
	}
	o.logger.Warn("giving up on release",
		"order_id", p.OrderID, "account_id", p.AccountID,
		"first_failure", p.FirstFailureAt, "attempts", p.Attempts)
	o.emit(ctx, notify.Event{
		Kind: notify.CancellationAbandoned, AccountID: p.AccountID, OrderID: p.OrderID, Reason: "max_age",
	})
}

func (o *Orchestrator) Quote(ctx context.Context, service, country string) (domain.Money, error) {
	return o.prices.Estimate(ctx, service, country)
}

// OpenAccount provisions an account with a zero balance if needed.
func (o *Orchestrator) OpenAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return o.store.EnsureAccount(ctx, accountID)
}

// AdjustBalance applies an operator credit (positive) or debit (negative).
func (o *Orchestrator) AdjustBalance(ctx context.Context, accountID int64, amount domain.Money, reason string) (*domain.LedgerEntry, error) {
	if amount == 0 {
		return nil, domain.ErrInvalidAmount
	}
	if reason == "" {
		reason = "adjustment"
	}

	var (
		entry *domain.LedgerEntry
		err   error
	)
	if amount > 0 {
		if _, err = o.store.EnsureAccount(ctx, accountID); err != nil {
			return nil, err
		}
		entry, err = o.store.Credit(ctx, accountID, amount, reason)
	} else {
		entry, err = o.store.Debit(ctx, accountID, -amount, reason)
	}
	if err != nil {
		return nil, err
	}

	o.logger.Info("balance adjusted", "account_id", accountID, "amount", amount.String(), "reason", reason)
	o.emit(ctx, notify.Event{Kind: notify.BalanceAdjusted, AccountID: accountID, Amount: amount, Reason: reason})
	return entry, nil
}

func (o *Orchestrator) Stats(ctx context.Context) (*domain.Stats, error) {
	return o.store.Stats(ctx, o.now())
}

func (o *Orchestrator) ProviderBalance(ctx context.Context) (domain.Money, error) {
	var bal domain.Money
	err := o.providerCall(ctx, func(ctx context.Context) error {
		d, err := o.gw.Balance(ctx)
		bal = domain.MoneyFromDecimal(d)
		return err
	})
	return bal, err
}

// InvalidatePrices forces the next quote to reload the provider price table.
func (o *Orchestrator) InvalidatePrices() {
	o.prices.Invalidate()
}

// PendingCancellations exposes the release retry queue to the worker.
func (o *Orchestrator) PendingCancellations() []domain.PendingCancellation {
	return o.cancels.Snapshot()
}

func (o *Orchestrator) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	return o.store.ListOpenOrders(ctx)
}

// PurgeFailures drops expired failure records from the limiter.
func (o *Orchestrator) PurgeFailures() int {
	return o.failures.Purge()
}
