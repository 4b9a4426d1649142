package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/numbroker/internal/domain"
	"github.com/punchamoorthee/numbroker/internal/provider"
	"github.com/punchamoorthee/numbroker/internal/provider/providertest"
)

func newCatalog(t *testing.T, gw provider.Gateway) *Catalog {
	t.Helper()
	c, err := NewCatalog(gw, decimal.NewFromInt(2), 16)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	return c
}

func TestEstimate(t *testing.T) {
	gw := providertest.New("1.00")
	gw.PriceTable = provider.PriceTable{
		"0": {
			"tg": {Retail: decimal.RequireFromString("0.75"), Cost: decimal.RequireFromString("0.50")},
			"wa": {Cost: decimal.RequireFromString("1.10")},
		},
	}
	c := newCatalog(t, gw)
	ctx := context.Background()

	got, err := c.Estimate(ctx, "tg", "0")
	if err != nil || got != domain.Dollars(1, 50) {
		t.Fatalf("tg estimate = %s, %v", got, err)
	}
	got, err = c.Estimate(ctx, "wa", "0")
	if err != nil || got != domain.Dollars(2, 20) {
		t.Fatalf("wa estimate falls back to cost: %s, %v", got, err)
	}
	if _, err := c.Estimate(ctx, "vk", "0"); !errors.Is(err, ErrPriceUnknown) {
		t.Fatalf("unknown service: %v", err)
	}
	if n := gw.PriceCalls.Load(); n != 1 {
		t.Fatalf("price table fetched %d times, want 1", n)
	}

	c.Invalidate()
	if _, err := c.Estimate(ctx, "tg", "0"); err != nil {
		t.Fatalf("after invalidate: %v", err)
	}
	if n := gw.PriceCalls.Load(); n != 2 {
		t.Fatalf("price table fetched %d times after invalidate, want 2", n)
	}
}

func TestEstimateProviderError(t *testing.T) {
	c := newCatalog(t, failingPrices{providertest.New("1")})
	if _, err := c.Estimate(context.Background(), "tg", "0"); !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("got %v", err)
	}
}

type failingPrices struct{ *providertest.Gateway }

func (failingPrices) Prices(context.Context) (provider.PriceTable, error) {
	return nil, provider.ErrUnavailable
}

func TestCharge(t *testing.T) {
	c := newCatalog(t, providertest.New("1"))
	if got := c.Charge(decimal.RequireFromString("1.505")); got != domain.Dollars(3, 1) {
		t.Fatalf("charge = %s", got)
	}
}

func TestEstimateTableLargerThanCache(t *testing.T) {
	gw := providertest.New("1")
	gw.PriceTable = provider.PriceTable{}
	for country := 0; country < 10; country++ {
		row := map[string]provider.Price{}
		for s := 0; s < 10; s++ {
			row[fmt.Sprintf("s%d", s)] = provider.Price{Retail: decimal.NewFromInt(int64(country*10 + s + 1))}
		}
		gw.PriceTable[strconv.Itoa(country)] = row
	}
	c := newCatalog(t, gw) // cache holds 16 of the 100 prices
	ctx := context.Background()

	for round := 0; round < 2; round++ {
		for country := 0; country < 10; country++ {
			for s := 0; s < 10; s++ {
				got, err := c.Estimate(ctx, fmt.Sprintf("s%d", s), strconv.Itoa(country))
				want := domain.Dollars(int64(2*(country*10+s+1)), 0)
				if err != nil || got != want {
					t.Fatalf("round %d country %d s%d: got %s, %v; want %s", round, country, s, got, err, want)
				}
			}
		}
	}
	if n := gw.PriceCalls.Load(); n != 1 {
		t.Fatalf("price table fetched %d times, want 1", n)
	}
	if _, err := c.Estimate(ctx, "s0", "99"); !errors.Is(err, ErrPriceUnknown) {
		t.Fatalf("unpublished pair: %v", err)
	}
}
