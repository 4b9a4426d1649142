package limiter

import (
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/numbroker/internal/domain"
)

// CancelQueue holds reserved numbers whose release call failed. It is keyed
// by order id, so pushing the same order twice keeps the first failure time.
type CancelQueue struct {
	mu      sync.Mutex
	pending map[string]*domain.PendingCancellation
}

func NewCancelQueue() *CancelQueue {
	return &CancelQueue{pending: make(map[string]*domain.PendingCancellation)}
}

func (q *CancelQueue) Push(orderID string, accountID int64, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[orderID]; ok {
		return
	}
	q.pending[orderID] = &domain.PendingCancellation{
		OrderID:        orderID,
		AccountID:      accountID,
		FirstFailureAt: at,
	}
}

// Snapshot returns copies of the queued entries, oldest failure first.
func (q *CancelQueue) Snapshot() []domain.PendingCancellation {
	q.mu.Lock()
	out := make([]domain.PendingCancellation, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, *p)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FirstFailureAt.Before(out[j].FirstFailureAt) })
	return out
}

// Attempted bumps the retry counter of a queued entry.
func (q *CancelQueue) Attempted(orderID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.pending[orderID]; ok {
		p.Attempts++
	}
}

func (q *CancelQueue) Remove(orderID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[orderID]
	delete(q.pending, orderID)
	return ok
}

func (q *CancelQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
