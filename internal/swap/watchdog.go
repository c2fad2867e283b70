package swap

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

// Watchdog periodically re-drives a handler's in-flight swaps. Scans never
// overlap: the next tick is only taken after the previous scan returned.
type Watchdog struct {
	interval time.Duration
	check    func(ctx context.Context)
	log      *logging.Logger
}

// NewWatchdog creates a watchdog calling check every interval.
func NewWatchdog(name string, interval time.Duration, check func(ctx context.Context)) *Watchdog {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watchdog{
		interval: interval,
		check:    check,
		log:      logging.GetDefault().Component(name + "-watchdog"),
	}
}

// Run scans once immediately and then on every tick until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	w.log.Info("Watchdog started", "interval", w.interval)
	defer w.log.Info("Watchdog stopped")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.check(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan calls fn for every record with at most workers calls in flight.
// Records whose mutex is held elsewhere are skipped until the next scan.
// A failing record is logged and never stops the scan.
func Scan[R Record](ctx context.Context, log *logging.Logger, workers int, records []R, fn func(ctx context.Context, rec R) error) {
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		rec := rec
		g.Go(func() error {
			base := rec.Common()
			if !base.TryLock() {
				return nil
			}
			defer base.Unlock()

			if err := fn(ctx, rec); err != nil {
				log.Warn("Swap check failed", "hash", base.PaymentHash.String(), "state", base.State, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
