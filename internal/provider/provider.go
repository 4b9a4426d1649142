// Package provider defines the logical contract of the upstream numbering
// provider. Adapters classify raw responses into the typed results here so
// callers never look at provider text.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// Reservation refusals.
	ErrNoNumbers       = errors.New("provider: no numbers available")
	ErrNoProviderFunds = errors.New("provider: provider account has no funds")
	ErrBadService      = errors.New("provider: unknown service or country")

	// ErrUnavailable covers transport failures, timeouts and 5xx responses.
	ErrUnavailable = errors.New("provider: unavailable")
	// ErrAmbiguous is returned when a response cannot be classified.
	ErrAmbiguous = errors.New("provider: ambiguous response")

	ErrNotFound  = errors.New("provider: activation not found")
	ErrCancelled = errors.New("provider: activation cancelled or expired")
	ErrTooEarly  = errors.New("provider: cancellation denied, too early")
)

type Reservation struct {
	ID          string
	PhoneNumber string
	// Cost is what the provider billed for the activation, in currency units.
	Cost        decimal.Decimal
	CountryCode string
}

type Status struct {
	CodeReceived bool
	Code         string
	Text         string
	ReceivedAt   time.Time
}

// Price is one service's offer in one country.
type Price struct {
	Cost   decimal.Decimal
	Retail decimal.Decimal
	Count  int
}

// PriceTable is keyed by country code, then service code.
type PriceTable map[string]map[string]Price

// Gateway is implemented by provider adapters.
type Gateway interface {
	Reserve(ctx context.Context, service, country string) (*Reservation, error)
	// PollStatus fails with ErrCancelled once the provider has released the
	// activation on its own.
	PollStatus(ctx context.Context, id string) (*Status, error)
	// RequestCancel returns nil only on an explicit confirmation.
	RequestCancel(ctx context.Context, id string) error
	// Finish tells the provider the activation is done.
	Finish(ctx context.Context, id string) error
	Balance(ctx context.Context) (decimal.Decimal, error)
	Prices(ctx context.Context) (PriceTable, error)
}

// IsReservationRefusal reports whether err is a definite refusal to reserve,
// as opposed to a transport or parsing failure.
func IsReservationRefusal(err error) bool {
	return errors.Is(err, ErrNoNumbers) || errors.Is(err, ErrNoProviderFunds) || errors.Is(err, ErrBadService)
}
