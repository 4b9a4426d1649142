package service

import (
	"errors"

	"github.com/punchamoorthee/numbroker/internal/domain"
	"github.com/punchamoorthee/numbroker/internal/provider"
)

// Reason maps an error to one stable, user-visible reason code.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, domain.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, domain.ErrOrderAlreadyTerminal):
		return "order_terminal"
	case errors.Is(err, domain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, provider.ErrNoNumbers):
		return "no_numbers"
	case errors.Is(err, provider.ErrNoProviderFunds):
		return "provider_no_funds"
	case errors.Is(err, provider.ErrBadService):
		return "bad_service"
	case errors.Is(err, provider.ErrTooEarly):
		return "cancel_too_early"
	case errors.Is(err, provider.ErrCancelled):
		return "activation_cancelled"
	case errors.Is(err, provider.ErrNotFound):
		return "activation_not_found"
	case errors.Is(err, provider.ErrUnavailable):
		return "provider_unavailable"
	case errors.Is(err, provider.ErrAmbiguous):
		return "provider_ambiguous"
	}
	return "internal"
}
