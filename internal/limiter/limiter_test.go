package limiter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/numbroker/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = epoch.Add(offset)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestWindowedTotal(t *testing.T) {
	clock := &fakeClock{t: epoch}
	w := NewFailureWindow(WithClock(clock.Now))

	w.RecordFailure(1, domain.Dollars(10, 0))
	clock.Set(100 * time.Second)
	w.RecordFailure(1, domain.Dollars(15, 0))

	if got := w.WindowedTotal(1, epoch.Add(200*time.Second)); got != domain.Dollars(25, 0) {
		t.Fatalf("total at t=200: got %s, want $25.00", got)
	}
	if got := w.WindowedTotal(1, epoch.Add(1300*time.Second)); got != domain.Dollars(15, 0) {
		t.Fatalf("total at t=1300: got %s, want $15.00", got)
	}
	if got := w.WindowedTotal(2, epoch); got != 0 {
		t.Fatalf("unrelated account: got %s", got)
	}
}

func TestIsBlocked(t *testing.T) {
	clock := &fakeClock{t: epoch}
	w := NewFailureWindow(WithClock(clock.Now))

	w.RecordFailure(1, domain.Dollars(10, 0))
	clock.Set(100 * time.Second)
	w.RecordFailure(1, domain.Dollars(15, 0))
	clock.Set(200 * time.Second)

	tests := []struct {
		name     string
		required domain.Money
		balance  domain.Money
		blocked  bool
	}{
		{"broke", domain.Dollars(5, 0), 0, true},
		{"just short", domain.Dollars(5, 0), domain.Dollars(9, 99), true},
		{"solvent", domain.Dollars(5, 0), domain.Dollars(10, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.IsBlocked(1, tt.required, tt.balance)
			if (err != nil) != tt.blocked {
				t.Fatalf("blocked = %v, want %v", err != nil, tt.blocked)
			}
			if err == nil {
				return
			}
			var be *domain.BlockedError
			if !errors.As(err, &be) {
				t.Fatalf("expected BlockedError, got %T", err)
			}
			if be.FailedTotal != domain.Dollars(25, 0) || be.Required != domain.Dollars(10, 0) {
				t.Errorf("unexpected detail %+v", be)
			}
		})
	}

	clock.Set(1300 * time.Second)
	if err := w.IsBlocked(1, domain.Dollars(5, 0), 0); err != nil {
		t.Fatalf("expected unblocked after window slides, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	clock := &fakeClock{t: epoch}
	w := NewFailureWindow(WithClock(clock.Now), WithWindow(time.Minute))

	w.RecordFailure(1, 100)
	w.RecordFailure(2, 100)
	clock.Set(30 * time.Second)
	w.RecordFailure(2, 200)
	clock.Set(61 * time.Second)

	if n := w.Purge(); n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if got := w.WindowedTotal(2, clock.Now()); got != 200 {
		t.Fatalf("remaining total %s", got)
	}
}

func TestCancelQueue(t *testing.T) {
	q := NewCancelQueue()
	q.Push("b", 1, epoch.Add(time.Minute))
	q.Push("a", 2, epoch)
	q.Push("a", 2, epoch.Add(time.Hour))
	q.Attempted("a")

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].OrderID != "a" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap[0].FirstFailureAt.Equal(epoch) || snap[0].Attempts != 1 {
		t.Fatalf("first push must win: %+v", snap[0])
	}
	if !q.Remove("a") || q.Remove("a") {
		t.Fatal("remove should report presence once")
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d", q.Len())
	}
}
