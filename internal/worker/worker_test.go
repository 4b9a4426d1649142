package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/numbroker/internal/domain"
	"github.com/punchamoorthee/numbroker/internal/limiter"
	"github.com/punchamoorthee/numbroker/internal/pricing"
	"github.com/punchamoorthee/numbroker/internal/provider"
	"github.com/punchamoorthee/numbroker/internal/provider/providertest"
	"github.com/punchamoorthee/numbroker/internal/service"
	"github.com/punchamoorthee/numbroker/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	orch  *service.Orchestrator
	store *store.Bolt
	gw    *providertest.Gateway
	now   atomic.Pointer[time.Time]
}

func (e *env) clock() time.Time { return *e.now.Load() }

func (e *env) advance(d time.Duration) {
	next := e.clock().Add(d)
	e.now.Store(&next)
}

func newEnv(t *testing.T, cost string, balance domain.Money) *env {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if _, err := s.EnsureAccount(ctx, 1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if balance > 0 {
		if _, err := s.Credit(ctx, 1, balance, "top-up"); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}

	e := &env{store: s, gw: providertest.New(cost)}
	start := t0
	e.now.Store(&start)

	catalog, err := pricing.NewCatalog(e.gw, decimal.NewFromInt(2), 16)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	e.orch = service.New(s, e.gw, catalog,
		limiter.NewFailureWindow(limiter.WithClock(e.clock)),
		limiter.NewCancelQueue(),
		service.WithClock(e.clock),
		service.WithLogger(discard),
	)
	return e
}

func (e *env) balance(t *testing.T) domain.Money {
	t.Helper()
	b, err := e.store.GetBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func TestAutoRefunderRefundsExpiredOrders(t *testing.T) {
	e := newEnv(t, "1.50", domain.Dollars(10, 0))
	ctx := context.Background()

	expired, err := e.orch.Purchase(ctx, 1, "tg", "0")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	live, err := e.orch.Purchase(ctx, 1, "tg", "0")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if got := e.balance(t); got != domain.Dollars(4, 0) {
		t.Fatalf("balance = %s, want $4.00", got)
	}

	e.gw.PollFunc = func(_ context.Context, id string) (*provider.Status, error) {
		if id == expired.ID {
			return nil, provider.ErrCancelled
		}
		return &provider.Status{}, nil
	}

	ar := &AutoRefunder{Orders: e.orch, Logger: discard}
	n, err := ar.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: refunded=%d err=%v", n, err)
	}
	if got := e.balance(t); got != domain.Dollars(7, 0) {
		t.Fatalf("balance = %s, want $7.00", got)
	}
	got, _ := e.store.GetOrder(ctx, expired.ID)
	if got.Status != domain.OrderRefunded {
		t.Fatalf("expired order status = %s", got.Status)
	}
	got, _ = e.store.GetOrder(ctx, live.ID)
	if got.Status != domain.OrderActive {
		t.Fatalf("live order status = %s", got.Status)
	}

	n, err = ar.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep must be a no-op: refunded=%d err=%v", n, err)
	}
}

func TestAutoRefunderIsolatesFailures(t *testing.T) {
	e := newEnv(t, "1.00", domain.Dollars(10, 0))
	ctx := context.Background()
	first, _ := e.orch.Purchase(ctx, 1, "tg", "0")
	second, _ := e.orch.Purchase(ctx, 1, "tg", "0")

	e.gw.PollFunc = func(_ context.Context, id string) (*provider.Status, error) {
		if id == first.ID {
			return nil, provider.ErrUnavailable
		}
		return nil, provider.ErrCancelled
	}

	ar := &AutoRefunder{Orders: e.orch, Logger: discard}
	n, err := ar.Sweep(ctx)
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected joined provider error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("refunded %d, want 1", n)
	}
	got, _ := e.store.GetOrder(ctx, second.ID)
	if got.Status != domain.OrderRefunded {
		t.Fatalf("second order status = %s", got.Status)
	}
}

func TestCancelRetrierGivesUpAfterMaxAge(t *testing.T) {
	e := newEnv(t, "2.50", 0)
	ctx := context.Background()
	e.gw.CancelFunc = func(context.Context, string) error { return provider.ErrUnavailable }

	if _, err := e.orch.Purchase(ctx, 1, "tg", "0"); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("purchase: %v", err)
	}
	if len(e.orch.PendingCancellations()) != 1 {
		t.Fatal("release should be queued")
	}

	r := &CancelRetrier{Queue: e.orch, MaxAge: DefaultCancelRetryMaxAge, Now: e.clock, Logger: discard}

	e.advance(DefaultCancelRetryInterval)
	res, err := r.Sweep(ctx)
	if err != nil || res.Kept != 1 || res.Abandoned != 0 {
		t.Fatalf("young entry must be kept: %+v %v", res, err)
	}

	e.advance(DefaultCancelRetryMaxAge)
	res, err = r.Sweep(ctx)
	if err != nil || res.Abandoned != 1 {
		t.Fatalf("old entry must be dropped: %+v %v", res, err)
	}
	if len(e.orch.PendingCancellations()) != 0 {
		t.Fatal("queue should be empty")
	}
	if got := e.balance(t); got != 0 {
		t.Fatalf("abandoning must not credit, balance = %s", got)
	}
	if e.gw.Cancels.Load() != 3 {
		t.Fatalf("cancel attempts = %d, want 3", e.gw.Cancels.Load())
	}
}

func TestCancelRetrierConfirms(t *testing.T) {
	e := newEnv(t, "2.50", 0)
	ctx := context.Background()
	e.gw.CancelFunc = func(context.Context, string) error { return provider.ErrUnavailable }
	e.orch.Purchase(ctx, 1, "tg", "0")

	e.gw.CancelFunc = nil
	r := &CancelRetrier{Queue: e.orch, MaxAge: DefaultCancelRetryMaxAge, Now: e.clock, Logger: discard}
	res, err := r.Sweep(ctx)
	if err != nil || res.Confirmed != 1 {
		t.Fatalf("sweep: %+v %v", res, err)
	}
	if len(e.orch.PendingCancellations()) != 0 {
		t.Fatal("confirmed entry must leave the queue")
	}
}

func TestPeriodicSurvivesPanics(t *testing.T) {
	var calls atomic.Int32
	p := NewPeriodic("test", 5*time.Millisecond, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("transient")
		}
		return nil
	}, discard)

	p.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for calls.Load() < 4 {
		select {
		case <-deadline:
			p.Stop()
			t.Fatalf("loop stopped after %d calls", calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	p.Stop()
	p.Stop()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Fatal("task ran after Stop")
	}
}
