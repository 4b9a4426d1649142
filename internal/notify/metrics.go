package notify

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbroker_events_total",
		Help: "Domain events emitted, labeled by kind and reason",
	}, []string{"kind", "reason"})

	refundedCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "numbroker_refunded_cents_total",
		Help: "Total amount credited back to accounts by refunds, in cents",
	})
)

type Metrics struct{}

func (Metrics) Notify(_ context.Context, ev Event) {
	eventsTotal.WithLabelValues(string(ev.Kind), ev.Reason).Inc()
	if ev.Kind == OrderRefunded {
		refundedCents.Add(float64(ev.Amount))
	}
}
