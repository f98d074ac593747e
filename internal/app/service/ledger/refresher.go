package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/resumecredits/pkg/config"
)

// Refresher periodically resets subscriptions whose billing period ended, so
// idle users start the new period with a full balance without having to call
// the API first.
type Refresher struct {
	ledger    Ledger
	log       *zap.SugaredLogger
	interval  time.Duration
	batchSize int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewRefresher(l Ledger, cfg *config.Config, log *zap.SugaredLogger) *Refresher {
	interval := cfg.Ledger.RefreshInterval
	batch := cfg.Ledger.RefreshBatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Refresher{
		ledger:    l,
		log:       log,
		interval:  interval,
		batchSize: batch,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the worker. A zero interval disables it.
func (r *Refresher) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.log.Infow("refresh sweeper disabled")
		return
	}
	r.wg.Add(1)
	go r.run(ctx)
	r.log.Infow("refresh sweeper started", "interval", r.interval, "batch_size", r.batchSize)
}

func (r *Refresher) Stop() {
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Refresher) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep drains due subscriptions in batches until a batch comes back short.
func (r *Refresher) Sweep(ctx context.Context) int {
	var total int
	for {
		n, err := r.ledger.RefreshDue(ctx, r.batchSize)
		total += n
		if err != nil {
			r.log.Errorw("refresh sweep failed", "refreshed", total, "err", err)
			return total
		}
		if n < r.batchSize {
			break
		}
	}
	if total > 0 {
		r.log.Infow("refresh sweep completed", "refreshed", total)
	}
	return total
}

func registerRefresher(lc fx.Lifecycle, r *Refresher) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			r.Stop()
			return nil
		},
	})
}
