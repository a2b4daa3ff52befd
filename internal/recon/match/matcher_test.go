package match

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func day(d int) time.Time {
	return time.Date(2026, time.January, d, 0, 0, 0, 0, time.UTC)
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRunPairsWithinWindow(t *testing.T) {
	ledger := []LedgerEntry{{SourceID: "L1", Date: day(28), Amount: amt("1500.00"), Description: "TED Cliente XYZ"}}
	statement := []StatementLine{{SourceID: "S1", Date: day(29), Amount: amt("1500.00"), Description: "TED RECEBIDO XYZ LTDA"}}

	res, err := Run(ledger, statement, DefaultConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Pairs) != 1 {
		t.Fatalf("expected one pair, got %d", len(res.Pairs))
	}
	p := res.Pairs[0]
	if p.Ledger.SourceID != "L1" || p.Statement.SourceID != "S1" {
		t.Fatalf("unexpected pair %+v", p)
	}
	if !p.Exact() {
		t.Fatalf("expected exact amount pair, residual %s", p.Residual)
	}
	if p.DateDelta != 1 {
		t.Fatalf("expected one day delta, got %d", p.DateDelta)
	}
	if len(res.UnmatchedLedger) != 0 || len(res.UnmatchedStatement) != 0 {
		t.Fatalf("expected no residue")
	}
	if divs := Classify(res); len(divs) != 0 {
		t.Fatalf("expected no divergences, got %d", len(divs))
	}
}

func TestRunRespectsDateWindow(t *testing.T) {
	ledger := []LedgerEntry{{SourceID: "L1", Date: day(1), Amount: amt("300.00")}}
	statement := []StatementLine{{SourceID: "S1", Date: day(6), Amount: amt("300.00")}}

	res, err := Run(ledger, statement, DefaultConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Pairs) != 0 {
		t.Fatalf("pair outside window must not be confirmed")
	}
	if len(res.UnmatchedLedger) != 1 || len(res.UnmatchedStatement) != 1 {
		t.Fatalf("both items must remain unmatched")
	}
}

func TestRunPrefersClosestDateThenSimilarity(t *testing.T) {
	ledger := []LedgerEntry{{SourceID: "L1", Date: day(10), Amount: amt("250.00"), Description: "PIX Fornecedor ACME 8841"}}
	statement := []StatementLine{
		{SourceID: "S-far", Date: day(13), Amount: amt("250.00"), Description: "PIX ACME 8841"},
		{SourceID: "S-near", Date: day(11), Amount: amt("250.00"), Description: "PIX ENVIADO"},
	}

	res, err := Run(ledger, statement, DefaultConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Pairs) != 1 || res.Pairs[0].Statement.SourceID != "S-near" {
		t.Fatalf("closest date must win, got %+v", res.Pairs)
	}

	// Same date distance: description similarity decides.
	statement = []StatementLine{
		{SourceID: "S-weak", Date: day(11), Amount: amt("250.00"), Description: "TRANSFERENCIA"},
		{SourceID: "S-strong", Date: day(11), Amount: amt("250.00"), Description: "PIX ACME 8841"},
	}
	res, err = Run(ledger, statement, DefaultConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Pairs) != 1 || res.Pairs[0].Statement.SourceID != "S-strong" {
		t.Fatalf("higher similarity must win, got %+v", res.Pairs)
	}
}

func TestRunDuplicatesPairInInputOrder(t *testing.T) {
	ledger := []LedgerEntry{
		{SourceID: "L1", Date: day(5), Amount: amt("99.90"), Description: "Mensalidade"},
		{SourceID: "L2", Date: day(5), Amount: amt("99.90"), Description: "Mensalidade"},
	}
	statement := []StatementLine{
		{SourceID: "S1", Date: day(5), Amount: amt("99.90"), Description: "Mensalidade"},
		{SourceID: "S2", Date: day(5), Amount: amt("99.90"), Description: "Mensalidade"},
	}

	res, err := Run(ledger, statement, DefaultConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Pairs) != 2 {
		t.Fatalf("expected two pairs, got %d", len(res.Pairs))
	}
	if res.Pairs[0].Statement.SourceID != "S1" || res.Pairs[1].Statement.SourceID != "S2" {
		t.Fatalf("duplicates must pair first-with-first: %+v", res.Pairs)
	}
}

func TestRunEmptySides(t *testing.T) {
	statement := []StatementLine{{SourceID: "S1", Date: day(2), Amount: amt("10.00")}}
	res, err := Run(nil, statement, DefaultConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Pairs) != 0 || len(res.UnmatchedStatement) != 1 {
		t.Fatalf("empty ledger must leave all statement lines unmatched")
	}

	ledger := []LedgerEntry{{SourceID: "L1", Date: day(2), Amount: amt("10.00")}}
	res, err = Run(ledger, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Pairs) != 0 || len(res.UnmatchedLedger) != 1 {
		t.Fatalf("empty statement must leave all ledger entries unmatched")
	}
}

func TestRunToleranceBand(t *testing.T) {
	cfg := Config{AmountTolerance: amt("0.05"), DateWindowDays: 3}
	ledger := []LedgerEntry{{SourceID: "L1", Date: day(12), Amount: amt("120.00"), Description: "Tarifa"}}
	statement := []StatementLine{
		{SourceID: "S-close", Date: day(12), Amount: amt("120.03"), Description: "Tarifa bancaria"},
		{SourceID: "S-exact", Date: day(12), Amount: amt("120.00"), Description: "Tarifa"},
	}

	res, err := Run(ledger, statement, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Pairs) != 1 || res.Pairs[0].Statement.SourceID != "S-exact" {
		t.Fatalf("exact amount must beat tolerance-band candidate: %+v", res.Pairs)
	}

	// Without the exact line, the tolerance pair is confirmed and carries
	// its residual.
	res, err = Run(ledger, statement[:1], cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Pairs) != 1 || res.Pairs[0].Exact() {
		t.Fatalf("expected tolerance pair, got %+v", res.Pairs)
	}
	if !res.Pairs[0].Residual.Equal(amt("0.03")) {
		t.Fatalf("unexpected residual %s", res.Pairs[0].Residual)
	}
	divs := Classify(res)
	if len(divs) != 1 || divs[0].Kind != KindAmountMismatch {
		t.Fatalf("tolerance pair must classify as amount mismatch: %+v", divs)
	}
	if !divs[0].Difference.Equal(amt("-0.03")) {
		t.Fatalf("difference must be expected minus actual, got %s", divs[0].Difference)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	if _, err := Run(nil, nil, Config{DateWindowDays: -1}); err == nil {
		t.Fatal("negative date window must be rejected")
	}
	if _, err := Run(nil, nil, Config{AmountTolerance: amt("-0.01"), DateWindowDays: 1}); err == nil {
		t.Fatal("negative tolerance must be rejected")
	}
}

func randomInputs(rng *rand.Rand) ([]LedgerEntry, []StatementLine) {
	n := rng.Intn(25)
	m := rng.Intn(25)
	ledger := make([]LedgerEntry, n)
	statement := make([]StatementLine, m)
	for i := range ledger {
		ledger[i] = LedgerEntry{
			SourceID:    fmt.Sprintf("L%d", i),
			Date:        day(1 + rng.Intn(28)),
			Amount:      decimal.NewFromInt(int64(rng.Intn(40)-20)).Div(decimal.NewFromInt(4)),
			Description: fmt.Sprintf("mov %d", rng.Intn(10)),
		}
	}
	for i := range statement {
		statement[i] = StatementLine{
			SourceID:    fmt.Sprintf("S%d", i),
			Date:        day(1 + rng.Intn(28)),
			Amount:      decimal.NewFromInt(int64(rng.Intn(40)-20)).Div(decimal.NewFromInt(4)),
			Description: fmt.Sprintf("mov %d", rng.Intn(10)),
		}
	}
	return ledger, statement
}

func TestRunNeverOverMatches(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cfg := Config{AmountTolerance: amt("0.25"), DateWindowDays: 2}
	for iter := 0; iter < 200; iter++ {
		ledger, statement := randomInputs(rng)
		res, err := Run(ledger, statement, cfg)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		seen := make(map[string]bool)
		for _, p := range res.Pairs {
			if p.Residual.Abs().GreaterThan(cfg.AmountTolerance) {
				t.Fatalf("pair outside amount tolerance: %+v", p)
			}
			if p.DateDelta > cfg.DateWindowDays {
				t.Fatalf("pair outside date window: %+v", p)
			}
			if seen[p.Ledger.SourceID] || seen["s:"+p.Statement.SourceID] {
				t.Fatalf("item matched twice: %+v", p)
			}
			seen[p.Ledger.SourceID] = true
			seen["s:"+p.Statement.SourceID] = true
		}
		if len(res.Pairs)*2+len(res.UnmatchedLedger)+len(res.UnmatchedStatement) != len(ledger)+len(statement) {
			t.Fatal("every input item must appear exactly once in the output")
		}
	}
}

func TestRunIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cfg := Config{AmountTolerance: amt("0.50"), DateWindowDays: 3}
	for iter := 0; iter < 100; iter++ {
		ledger, statement := randomInputs(rng)
		first, err := Run(ledger, statement, cfg)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		second, err := Run(ledger, statement, cfg)
		if err != nil {
			t.Fatalf("rerun: %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("matching is not deterministic for iteration %d", iter)
		}
	}
}

func TestClassifyConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	cfg := Config{AmountTolerance: amt("0.25"), DateWindowDays: 2}
	for iter := 0; iter < 200; iter++ {
		ledger, statement := randomInputs(rng)
		res, err := Run(ledger, statement, cfg)
		if err != nil {
			t.Fatalf("run: %v", err)
		}

		systemTotal := decimal.Zero
		for _, e := range ledger {
			systemTotal = systemTotal.Add(e.Amount)
		}
		bankTotal := decimal.Zero
		for _, l := range statement {
			bankTotal = bankTotal.Add(l.Amount)
		}

		sum := decimal.Zero
		for _, d := range Classify(res) {
			sum = sum.Add(d.Difference)
		}
		if !sum.Equal(systemTotal.Sub(bankTotal)) {
			t.Fatalf("conservation violated: divergences sum %s, system-bank %s", sum, systemTotal.Sub(bankTotal))
		}
	}
}

func TestClassifyUnmatchedLedgerEntry(t *testing.T) {
	res := Result{UnmatchedLedger: []LedgerEntry{{Date: day(15), Amount: amt("1500.00"), Description: "TED Cliente XYZ"}}}
	divs := Classify(res)
	if len(divs) != 1 {
		t.Fatalf("expected one divergence, got %d", len(divs))
	}
	d := divs[0]
	if d.Kind != KindLedgerOnly || !d.Expected.Equal(amt("1500.00")) || !d.Actual.IsZero() || !d.Difference.Equal(amt("1500.00")) {
		t.Fatalf("unexpected divergence %+v", d)
	}
}
