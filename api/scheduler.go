/*
scheduler.go - Periodic balance audit

PURPOSE:
  Periodically reconciles every wallet balance against the net of its ledger
  rows and keeps the latest report for GET /api/admin/audit. A mismatch
  means a balance moved without its ledger row (or the reverse), which no
  code path is allowed to do, so confirmed discrepancies are logged at Error.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Balances and ledger sums are read separately, so a purchase committing
    between the two reads looks like a discrepancy. A dirty report is
    re-checked after ConfirmDelay; only discrepancies present in both runs
    with the same delta are kept and logged
  - Audit failures (store down) are logged at Warn and keep the previous report

CONFIGURATION:
  - CheckInterval: How often to audit (default: 5 minutes, AUDIT_INTERVAL_S)
  - ConfirmDelay:  Pause before the confirming run (default: 200ms)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(service, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GetAudit endpoint
  - ledger/audit.go: Reconcile
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/token-ledger/ledger"
)

// AuditScheduler runs the ledger audit on an interval.
type AuditScheduler struct {
	Service       *ledger.Service
	CheckInterval time.Duration
	ConfirmDelay  time.Duration
	Enabled       bool

	logger *zap.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	latestMu sync.RWMutex
	latest   *ledger.AuditReport
	lastRun  time.Time
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(svc *ledger.Service, logger *zap.Logger) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditScheduler{
		Service:       svc,
		CheckInterval: 5 * time.Minute,
		ConfirmDelay:  200 * time.Millisecond,
		Enabled:       true,
		logger:        logger.Named("audit"),
	}
}

// Start begins the scheduler. Starting a running scheduler is a no-op.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled || as.CheckInterval <= 0 {
		as.logger.Info("audit scheduler disabled")
		return
	}
	if as.running {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.running = true
	as.wg.Add(1)

	go as.run()

	as.logger.Info("audit scheduler started", zap.Duration("interval", as.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight audit to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.running {
		return
	}
	as.ticker.Stop()
	close(as.stop)
	as.wg.Wait()
	as.running = false
	as.logger.Info("audit scheduler stopped")
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-as.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	as.RunNow(ctx)

	for {
		select {
		case <-as.ticker.C:
			as.RunNow(ctx)
		case <-as.stop:
			return
		}
	}
}

// RunNow performs one audit (with confirmation when dirty) and stores the
// result. It returns the stored report.
func (as *AuditScheduler) RunNow(ctx context.Context) (ledger.AuditReport, error) {
	report, err := as.Service.Audit(ctx)
	if err != nil {
		as.logger.Warn("audit failed", zap.Error(err))
		return ledger.AuditReport{}, err
	}

	if !report.Clean() {
		select {
		case <-ctx.Done():
			return ledger.AuditReport{}, ctx.Err()
		case <-time.After(as.ConfirmDelay):
		}
		second, err := as.Service.Audit(ctx)
		if err != nil {
			as.logger.Warn("confirming audit failed", zap.Error(err))
			return ledger.AuditReport{}, err
		}
		report = confirmDiscrepancies(report, second)
	}

	for _, d := range report.Discrepancies {
		as.logger.Error("ledger discrepancy",
			zap.String("user_id", string(d.UserID)),
			zap.String("balance", d.Balance.String()),
			zap.String("expected", d.Expected.String()),
			zap.String("delta", d.Delta().String()))
	}
	as.logger.Debug("audit completed",
		zap.Int("accounts", report.Accounts),
		zap.Int("discrepancies", len(report.Discrepancies)))

	as.latestMu.Lock()
	as.latest = &report
	as.lastRun = time.Now()
	as.latestMu.Unlock()

	return report, nil
}

// Latest returns the most recent completed report.
func (as *AuditScheduler) Latest() (ledger.AuditReport, bool) {
	as.latestMu.RLock()
	defer as.latestMu.RUnlock()

	if as.latest == nil {
		return ledger.AuditReport{}, false
	}
	return *as.latest, true
}

// NextRunTime returns when the next scheduled audit will occur.
func (as *AuditScheduler) NextRunTime() time.Time {
	as.latestMu.RLock()
	defer as.latestMu.RUnlock()

	if as.lastRun.IsZero() {
		return time.Now()
	}
	return as.lastRun.Add(as.CheckInterval)
}

// confirmDiscrepancies keeps the discrepancies of second that first also
// reported with the same delta.
func confirmDiscrepancies(first, second ledger.AuditReport) ledger.AuditReport {
	seen := make(map[ledger.UserID]ledger.Money, len(first.Discrepancies))
	for _, d := range first.Discrepancies {
		seen[d.UserID] = d.Delta()
	}

	confirmed := second
	confirmed.Discrepancies = []ledger.Discrepancy{}
	for _, d := range second.Discrepancies {
		if delta, ok := seen[d.UserID]; ok && delta.Equal(d.Delta()) {
			confirmed.Discrepancies = append(confirmed.Discrepancies, d)
		}
	}
	return confirmed
}
