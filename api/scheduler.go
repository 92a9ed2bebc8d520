/*
scheduler.go - Automated period expiry

PURPOSE:
  Periodically finishes active periods whose end date has passed, so a
  forgotten period doesn't keep money earmarked forever.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Delegates each sweep to period.Service.ExpireDue
  - With AutoRefund, what is left goes back to the owner's primary account
  - One failing period is logged and skipped; the sweep continues

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - AutoRefund: Refund remaining amounts (default: false)

USAGE:
  scheduler := NewPeriodScheduler(periods, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - period/period.go: ExpireDue
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ffs/balance-engine/period"
)

// PeriodScheduler handles automated period expiry.
type PeriodScheduler struct {
	Periods       *period.Service
	CheckInterval time.Duration
	Enabled       bool
	AutoRefund    bool
	Logger        *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastRun    time.Time
	lastReport period.ExpiryReport
}

// NewPeriodScheduler creates a new scheduler.
func NewPeriodScheduler(periods *period.Service, logger *slog.Logger) *PeriodScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeriodScheduler{
		Periods:       periods,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        logger.With("component", "scheduler"),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (ps *PeriodScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.Logger.Info("disabled, not starting")
		return
	}
	if ps.ticker != nil {
		return
	}

	ps.ticker = time.NewTicker(ps.CheckInterval)
	ps.wg.Add(1)

	go ps.run(ps.ticker.C)

	ps.Logger.Info("started", "interval", ps.CheckInterval, "auto_refund", ps.AutoRefund)
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (ps *PeriodScheduler) Stop() {
	ps.mu.Lock()
	ticker := ps.ticker
	ps.ticker = nil
	ps.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(ps.stop)
		ps.wg.Wait()
		ps.Logger.Info("stopped")
	}
}

func (ps *PeriodScheduler) run(tick <-chan time.Time) {
	defer ps.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-ps.stop
		cancel()
	}()

	// Run immediately on start
	ps.RunNow(ctx)

	for {
		select {
		case <-tick:
			ps.RunNow(ctx)
		case <-ps.stop:
			return
		}
	}
}

// RunNow performs one sweep (for testing/admin).
func (ps *PeriodScheduler) RunNow(ctx context.Context) period.ExpiryReport {
	today := ps.Periods.Engine.Today()
	report, err := ps.Periods.ExpireDue(ctx, today, ps.AutoRefund)
	if err != nil {
		ps.Logger.Error("sweep failed", "today", today, "error", err)
		return report
	}
	for id, ferr := range report.Failed {
		ps.Logger.Warn("period not expired", "period_id", id, "error", ferr)
	}
	for _, id := range report.Unrefunded {
		ps.Logger.Warn("period finished without refund", "period_id", id, "reason", "insufficient_balance")
	}
	if len(report.Finished) > 0 || len(report.Failed) > 0 {
		ps.Logger.Info("sweep completed",
			"finished", len(report.Finished), "refunded", len(report.Refunded),
			"unrefunded", len(report.Unrefunded), "failed", len(report.Failed))
	}

	ps.mu.Lock()
	ps.lastRun = time.Now()
	ps.lastReport = report
	ps.mu.Unlock()
	return report
}

// LastRun returns when the last sweep completed and what it did.
func (ps *PeriodScheduler) LastRun() (time.Time, period.ExpiryReport) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastRun, ps.lastReport
}
