// Package worker runs the background reconciliation loops.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbroker_worker_sweeps_total",
		Help: "Reconciliation sweeps, labeled by worker and outcome",
	}, []string{"worker", "result"})

	sweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "numbroker_worker_sweep_duration_seconds",
		Help:    "Duration of reconciliation sweeps",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"worker"})

	pendingCancellations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "numbroker_pending_cancellations",
		Help: "Reservations waiting for a confirmed release",
	})
)

// Periodic calls task every interval until Stop. A failing or panicking
// iteration is logged and the next one runs on schedule.
type Periodic struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
	logger   *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewPeriodic(name string, interval time.Duration, task func(ctx context.Context) error, logger *slog.Logger) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

func (p *Periodic) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("worker started", "worker", p.name, "interval", p.interval)
}

// Stop waits for an in-flight iteration to return.
func (p *Periodic) Stop() {
	p.once.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

func (p *Periodic) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes one iteration with panic recovery.
func (p *Periodic) RunOnce(ctx context.Context) {
	start := time.Now()
	err := p.safeRun(ctx)
	sweepDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())

	if err != nil {
		sweepsTotal.WithLabelValues(p.name, "error").Inc()
		p.logger.Error("worker iteration failed", "worker", p.name, "error", err)
		return
	}
	sweepsTotal.WithLabelValues(p.name, "ok").Inc()
}

func (p *Periodic) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.task(ctx)
}
