package match

import (
	"time"

	"github.com/shopspring/decimal"
)

// DivergenceKind states which structural condition produced a divergence.
// Classification carries no judgment about why the divergence exists.
type DivergenceKind string

const (
	// KindLedgerOnly marks a system movement with no bank counterpart.
	KindLedgerOnly DivergenceKind = "LEDGER_ONLY"
	// KindStatementOnly marks a bank movement with no system counterpart.
	KindStatementOnly DivergenceKind = "STATEMENT_ONLY"
	// KindAmountMismatch marks a tolerance-band pair whose amounts differ.
	KindAmountMismatch DivergenceKind = "AMOUNT_MISMATCH"
)

// Divergence is the classifier's untreated output: one record per unresolved
// item or discrepant pair. Expected is the system-side amount, Actual the
// bank-side amount; Difference is Expected minus Actual and is frozen at
// creation.
type Divergence struct {
	Kind        DivergenceKind
	Date        time.Time
	Description string
	Expected    decimal.Decimal
	Actual      decimal.Decimal
	Difference  decimal.Decimal
}

// Classify turns matcher residue into divergence records: every unmatched
// item on either side, plus every confirmed pair whose amounts agree only
// within the tolerance band. The sum of Difference over the output always
// equals the ledger total minus the statement total of the classified items,
// which is what drives the reconciliation balance check.
func Classify(res Result) []Divergence {
	var out []Divergence
	for _, p := range res.Pairs {
		if p.Exact() {
			continue
		}
		out = append(out, Divergence{
			Kind:        KindAmountMismatch,
			Date:        p.Ledger.Date,
			Description: p.Ledger.Description,
			Expected:    p.Ledger.Amount,
			Actual:      p.Statement.Amount,
			Difference:  p.Ledger.Amount.Sub(p.Statement.Amount),
		})
	}
	for _, e := range res.UnmatchedLedger {
		out = append(out, Divergence{
			Kind:        KindLedgerOnly,
			Date:        e.Date,
			Description: e.Description,
			Expected:    e.Amount,
			Actual:      decimal.Zero,
			Difference:  e.Amount,
		})
	}
	for _, l := range res.UnmatchedStatement {
		out = append(out, Divergence{
			Kind:        KindStatementOnly,
			Date:        l.Date,
			Description: l.Description,
			Expected:    decimal.Zero,
			Actual:      l.Amount,
			Difference:  l.Amount.Neg(),
		})
	}
	return out
}
