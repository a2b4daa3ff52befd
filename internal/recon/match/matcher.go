package match

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is a system-side cash movement scoped to one reconciliation
// period. Entries are immutable inputs; the matcher never mutates them.
type LedgerEntry struct {
	SourceID    string
	Date        time.Time
	Amount      decimal.Decimal
	Description string
	ExternalRef string
}

// StatementLine is a bank-side movement with the same shape as LedgerEntry.
type StatementLine struct {
	SourceID    string
	Date        time.Time
	Amount      decimal.Decimal
	Description string
	ExternalRef string
}

// Pair is a confirmed 1:1 pairing between a ledger entry and a statement
// line. Residual is statement minus ledger; it is non-zero only for pairs
// admitted through a tolerance band.
type Pair struct {
	Ledger     LedgerEntry
	Statement  StatementLine
	DateDelta  int
	Similarity float64
	Residual   decimal.Decimal
}

// Exact reports whether the amounts agree to the cent.
func (p Pair) Exact() bool {
	return p.Residual.IsZero()
}

// Result carries the confirmed pairs plus the unmatched residue on both
// sides, each preserving input order.
type Result struct {
	Pairs              []Pair
	UnmatchedLedger    []LedgerEntry
	UnmatchedStatement []StatementLine
}

// Run pairs ledger entries against statement lines. Candidates must agree on
// amount within cfg.AmountTolerance and fall within cfg.DateWindowDays;
// among ties the closest date wins, then the highest description similarity,
// then the earliest-listed statement line. Assignment is greedy one-to-one
// in ledger input order, so identical inputs always produce identical
// output and duplicate movements pair up first-with-first.
func Run(ledger []LedgerEntry, statement []StatementLine, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	taken := make([]bool, len(statement))
	exactOnly := cfg.AmountTolerance.IsZero()

	// Amount buckets prune the candidate scan when tolerance is zero,
	// which is the common configuration.
	var buckets map[string][]int
	if exactOnly {
		buckets = make(map[string][]int, len(statement))
		for i, line := range statement {
			key := line.Amount.String()
			buckets[key] = append(buckets[key], i)
		}
	}

	var pairs []Pair
	matchedLedger := make([]bool, len(ledger))

	for li, entry := range ledger {
		var candidates []int
		if exactOnly {
			candidates = buckets[entry.Amount.String()]
		} else {
			candidates = allIndexes(len(statement))
		}

		best := -1
		var bestAbsResidual decimal.Decimal
		bestDelta := 0
		bestSim := 0.0
		for _, si := range candidates {
			if taken[si] {
				continue
			}
			line := statement[si]
			residual := line.Amount.Sub(entry.Amount)
			if residual.Abs().GreaterThan(cfg.AmountTolerance) {
				continue
			}
			delta := dayDelta(entry.Date, line.Date)
			if delta > cfg.DateWindowDays {
				continue
			}
			sim := descriptionSimilarity(entry.Description, line.Description)
			if best == -1 || better(residual.Abs(), delta, sim, bestAbsResidual, bestDelta, bestSim) {
				best = si
				bestAbsResidual = residual.Abs()
				bestDelta = delta
				bestSim = sim
			}
		}
		if best == -1 {
			continue
		}
		taken[best] = true
		matchedLedger[li] = true
		pairs = append(pairs, Pair{
			Ledger:     entry,
			Statement:  statement[best],
			DateDelta:  bestDelta,
			Similarity: bestSim,
			Residual:   statement[best].Amount.Sub(entry.Amount),
		})
	}

	res := Result{Pairs: pairs}
	for i, entry := range ledger {
		if !matchedLedger[i] {
			res.UnmatchedLedger = append(res.UnmatchedLedger, entry)
		}
	}
	for i, line := range statement {
		if !taken[i] {
			res.UnmatchedStatement = append(res.UnmatchedStatement, line)
		}
	}
	return res, nil
}

// better ranks a candidate against the current best: exact amount first,
// then closest date, then highest similarity. Callers iterate statement
// lines in input order, so equal scores keep the earliest line.
func better(absResidual decimal.Decimal, delta int, sim float64, bestAbsResidual decimal.Decimal, bestDelta int, bestSim float64) bool {
	if cmp := absResidual.Cmp(bestAbsResidual); cmp != 0 {
		return cmp < 0
	}
	if delta != bestDelta {
		return delta < bestDelta
	}
	return sim > bestSim
}

// dayDelta returns the absolute distance in calendar days, ignoring the
// time-of-day component either source may carry.
func dayDelta(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	d := int(ad.Sub(bd).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
