/*
audit.go - Balance versus ledger reconciliation

PURPOSE:
  Every committed balance must equal the net of the user's ledger rows:
  credits and refunds received minus purchases and penalties sent. The
  audit recomputes that sum from the ledger and reports every wallet that
  disagrees. A discrepancy means some code path mutated a balance without
  its ledger row (or the reverse), which is a defect.

  Reconcile is pure; Service.Audit feeds it committed data from the store.

SEE ALSO:
  - api/scheduler.go: Runs the audit periodically
*/
package ledger

import (
	"context"
	"sort"
	"time"
)

type Discrepancy struct {
	UserID   UserID `json:"user_id"`
	Balance  Money  `json:"balance"`
	Expected Money  `json:"expected"`
}

// Delta is Balance - Expected.
func (d Discrepancy) Delta() Money { return d.Balance.Sub(d.Expected) }

type AuditReport struct {
	CheckedAt     time.Time     `json:"checked_at"`
	Accounts      int           `json:"accounts"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

func (r AuditReport) Clean() bool { return len(r.Discrepancies) == 0 }

// Reconcile compares balances with net ledger flows. Users that appear in
// the ledger without a wallet are reported with a zero balance.
func Reconcile(accounts []Account, flows map[UserID]Money, at time.Time) AuditReport {
	report := AuditReport{CheckedAt: at, Accounts: len(accounts), Discrepancies: []Discrepancy{}}
	seen := make(map[UserID]bool, len(accounts))

	for _, a := range accounts {
		seen[a.UserID] = true
		expected := flows[a.UserID]
		if !a.Balance.Equal(expected) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{UserID: a.UserID, Balance: a.Balance, Expected: expected})
		}
	}
	for user, net := range flows {
		if !seen[user] && !net.IsZero() {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{UserID: user, Expected: net})
		}
	}

	sort.Slice(report.Discrepancies, func(i, j int) bool {
		return report.Discrepancies[i].UserID < report.Discrepancies[j].UserID
	})
	return report
}

// Audit reconciles the committed state of the store. Balances and flows are
// read separately, so a unit committing in between can show up as a
// transient discrepancy. Confirm with a second run before alerting.
func (s *Service) Audit(ctx context.Context) (AuditReport, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return AuditReport{}, NewStorageError("audit", err)
	}
	flows, err := s.store.NetFlows(ctx)
	if err != nil {
		return AuditReport{}, NewStorageError("audit", err)
	}

	return Reconcile(accounts, flows, s.clock.Now()), nil
}
