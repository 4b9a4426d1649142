// Package providertest provides an in-memory provider.Gateway for tests.
package providertest

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/numbroker/internal/provider"
)

// Gateway hands out sequential activation ids at a fixed Cost. Any hook left
// nil falls back to a happy-path default. Counters are safe to read
// concurrently.
type Gateway struct {
	Cost decimal.Decimal

	ReserveFunc func(ctx context.Context, service, country string) (*provider.Reservation, error)
	PollFunc    func(ctx context.Context, id string) (*provider.Status, error)
	CancelFunc  func(ctx context.Context, id string) error
	FinishFunc  func(ctx context.Context, id string) error
	PriceTable  provider.PriceTable

	Reserves    atomic.Int32
	Polls       atomic.Int32
	Cancels     atomic.Int32
	Finishes    atomic.Int32
	PriceCalls  atomic.Int32
	nextID      atomic.Int64
	mu          sync.Mutex
	cancelledID []string
}

var _ provider.Gateway = (*Gateway)(nil)

func New(cost string) *Gateway {
	return &Gateway{Cost: decimal.RequireFromString(cost)}
}

func (g *Gateway) Reserve(ctx context.Context, service, country string) (*provider.Reservation, error) {
	g.Reserves.Add(1)
	if g.ReserveFunc != nil {
		return g.ReserveFunc(ctx, service, country)
	}
	id := g.nextID.Add(1)
	return &provider.Reservation{
		ID:          strconv.FormatInt(1000+id, 10),
		PhoneNumber: "7900000" + strconv.FormatInt(id, 10),
		Cost:        g.Cost,
		CountryCode: country,
	}, nil
}

func (g *Gateway) PollStatus(ctx context.Context, id string) (*provider.Status, error) {
	g.Polls.Add(1)
	if g.PollFunc != nil {
		return g.PollFunc(ctx, id)
	}
	return &provider.Status{}, nil
}

func (g *Gateway) RequestCancel(ctx context.Context, id string) error {
	g.Cancels.Add(1)
	var err error
	if g.CancelFunc != nil {
		err = g.CancelFunc(ctx, id)
	}
	if err == nil {
		g.mu.Lock()
		g.cancelledID = append(g.cancelledID, id)
		g.mu.Unlock()
	}
	return err
}

func (g *Gateway) Finish(ctx context.Context, id string) error {
	g.Finishes.Add(1)
	if g.FinishFunc != nil {
		return g.FinishFunc(ctx, id)
	}
	return nil
}

func (g *Gateway) Balance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}

func (g *Gateway) Prices(ctx context.Context) (provider.PriceTable, error) {
	g.PriceCalls.Add(1)
	if g.PriceTable == nil {
		return provider.PriceTable{}, nil
	}
	return g.PriceTable, nil
}

// Cancelled lists ids whose cancellation was confirmed, in call order.
func (g *Gateway) Cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelledID...)
}

// Status builds a code-received status.
func Status(code string, at time.Time) *provider.Status {
	return &provider.Status{CodeReceived: true, Code: code, Text: "code " + code, ReceivedAt: at}
}
