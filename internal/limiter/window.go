// Package limiter holds the in-memory anti-abuse state: failed purchase
// amounts per account over a trailing window, and the queue of reserved
// numbers whose release call has to be retried.
package limiter

import (
	"sync"
	"time"

	"github.com/punchamoorthee/numbroker/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultWindow           = 1200 * time.Second
	DefaultSafetyMultiplier = 2
)

// DefaultThreshold is the windowed failure total at which solvency is checked.
var DefaultThreshold = domain.Dollars(20, 0)

// FailureWindow sums failed purchase amounts per account over a sliding window.
type FailureWindow struct {
	mu       sync.Mutex
	records  map[int64][]domain.FailedPurchase
	window   time.Duration
	limit    domain.Money
	multiple decimal.Decimal
	now      func() time.Time
}

type Option func(*FailureWindow)

func WithWindow(d time.Duration) Option {
	return func(w *FailureWindow) { w.window = d }
}

func WithThreshold(m domain.Money) Option {
	return func(w *FailureWindow) { w.limit = m }
}

// WithSafetyMultiplier sets how many times the attempted price a blocked
// account must hold to proceed.
func WithSafetyMultiplier(f decimal.Decimal) Option {
	return func(w *FailureWindow) { w.multiple = f }
}

func WithClock(now func() time.Time) Option {
	return func(w *FailureWindow) { w.now = now }
}

func NewFailureWindow(opts ...Option) *FailureWindow {
	w := &FailureWindow{
		records:  make(map[int64][]domain.FailedPurchase),
		window:   DefaultWindow,
		limit:    DefaultThreshold,
		multiple: decimal.NewFromInt(DefaultSafetyMultiplier),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *FailureWindow) RecordFailure(accountID int64, amount domain.Money) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records[accountID] = append(w.records[accountID], domain.FailedPurchase{
		AccountID: accountID,
		Amount:    amount,
		At:        w.now(),
	})
}

// WindowedTotal sums the records younger than the window at now. Expired
// records of the account are dropped as a side effect.
func (w *FailureWindow) WindowedTotal(accountID int64, now time.Time) domain.Money {
	w.mu.Lock()
	defer w.mu.Unlock()

	live := w.prune(accountID, now)
	var total domain.Money
	for _, r := range live {
		total += r.Amount
	}
	return total
}

// IsBlocked returns a *domain.BlockedError when the account has reached the
// failure threshold and holds less than required times the safety multiplier.
func (w *FailureWindow) IsBlocked(accountID int64, required, balance domain.Money) error {
	total := w.WindowedTotal(accountID, w.now())
	if total < w.limit {
		return nil
	}
	need := required.MulDecimal(w.multiple)
	if balance >= need {
		return nil
	}
	return &domain.BlockedError{FailedTotal: total, Required: need, Balance: balance}
}

// Purge drops every expired record and returns how many were removed.
func (w *FailureWindow) Purge() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	removed := 0
	for id, recs := range w.records {
		before := len(recs)
		removed += before - len(w.prune(id, now))
	}
	return removed
}

// prune must be called with mu held.
func (w *FailureWindow) prune(accountID int64, now time.Time) []domain.FailedPurchase {
	recs := w.records[accountID]
	live := recs[:0]
	for _, r := range recs {
		if now.Sub(r.At) < w.window {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		delete(w.records, accountID)
		return nil
	}
	w.records[accountID] = live
	return live
}
