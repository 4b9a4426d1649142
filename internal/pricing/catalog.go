// Package pricing turns provider prices into what accounts are charged.
//
// Estimates come from the provider's published retail table and are only
// used for quoting and the anti-abuse check. Charges come from the cost the
// provider confirms on reservation. The two are never assumed equal.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/numbroker/internal/domain"
	"github.com/punchamoorthee/numbroker/internal/provider"
)

var ErrPriceUnknown = errors.New("no published price for service in country")

const DefaultCacheSize = 4096

type Catalog struct {
	gw         provider.Gateway
	multiplier decimal.Decimal
	cache      *lru.Cache

	// table holds every published price of the last load and is never
	// trimmed; cache only fronts it for hot pairs. A nil table means not
	// loaded. gen changes on Invalidate so a load racing it is discarded.
	mu    sync.Mutex
	table map[string]domain.Money
	gen   uint64
}

func NewCatalog(gw provider.Gateway, multiplier decimal.Decimal, size int) (*Catalog, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("price cache: %w", err)
	}
	return &Catalog{gw: gw, multiplier: multiplier, cache: cache}, nil
}

func key(service, country string) string {
	return country + "/" + service
}

// Estimate returns the marked-up retail price for one service in one country.
func (c *Catalog) Estimate(ctx context.Context, service, country string) (domain.Money, error) {
	k := key(service, country)
	if v, ok := c.cache.Get(k); ok {
		return v.(domain.Money), nil
	}

	table, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	price, ok := table[k]
	if !ok {
		return 0, ErrPriceUnknown
	}
	c.cache.Add(k, price)
	return price, nil
}

func (c *Catalog) load(ctx context.Context) (map[string]domain.Money, error) {
	c.mu.Lock()
	table, gen := c.table, c.gen
	c.mu.Unlock()
	if table != nil {
		return table, nil
	}

	published, err := c.gw.Prices(ctx)
	if err != nil {
		return nil, fmt.Errorf("load prices: %w", err)
	}
	table = make(map[string]domain.Money)
	for country, services := range published {
		for service, p := range services {
			base := p.Retail
			if !base.IsPositive() {
				base = p.Cost
			}
			if !base.IsPositive() {
				continue
			}
			table[key(service, country)] = domain.MoneyFromDecimal(base.Mul(c.multiplier))
		}
	}

	c.mu.Lock()
	if c.gen == gen {
		c.table = table
	}
	c.mu.Unlock()
	return table, nil
}

// Invalidate drops every known price; the next Estimate reloads the table.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.table = nil
	c.gen++
	c.mu.Unlock()
	c.cache.Purge()
}

// Charge converts a provider-confirmed cost into the amount debited.
func (c *Catalog) Charge(cost decimal.Decimal) domain.Money {
	return domain.MoneyFromDecimal(cost.Mul(c.multiplier))
}
