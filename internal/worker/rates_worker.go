package worker

import (
	"context"
	"sync"
	"time"

	"github.com/forwardly/wallet-service/internal/domain"
	"github.com/forwardly/wallet-service/internal/observability"
	"github.com/forwardly/wallet-service/internal/rates"
	"go.uber.org/zap"
)

// RatesWorker keeps the exchange-rate cache warm so wallet operations
// rarely hit the upstream API on the request path.
type RatesWorker struct {
	source   rates.Source
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRatesWorker(source rates.Source) *RatesWorker {
	return &RatesWorker{
		source:   source,
		interval: 30 * time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the refresh interval.
func (w *RatesWorker) WithInterval(interval time.Duration) *RatesWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and refreshes rates at the configured interval.
func (w *RatesWorker) Start(ctx context.Context) {
	zap.L().Info("rates worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("rates worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("rates worker stop signal received")
			return
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *RatesWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *RatesWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *RatesWorker) refresh(ctx context.Context) {
	rs, err := w.source.GetRates(ctx, domain.BaseCurrency)
	if err != nil {
		observability.IncrementWorkerRun("rates_refresh", "failed")
		zap.L().Warn("rates refresh failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("rates_refresh", "success")
	zap.L().Debug("rates refreshed",
		zap.String("base", rs.Base.String()),
		zap.Time("fetched_at", rs.FetchedAt))
}
