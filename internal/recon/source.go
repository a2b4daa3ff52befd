package recon

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/concilio/concilio/internal/recon/match"
)

// SourceQuery scopes a source fetch to one reconciliation period.
type SourceQuery struct {
	ClientID uuid.UUID
	Bank     string
	Account  string
	From     time.Time
	To       time.Time
}

// LedgerSource supplies the client's internal cash-flow entries. The records
// arrive already structured; parsing raw exports is not this core's job.
type LedgerSource interface {
	LedgerEntries(ctx context.Context, q SourceQuery) ([]match.LedgerEntry, error)
}

// StatementSource supplies parsed bank-statement lines for the same period.
type StatementSource interface {
	StatementLines(ctx context.Context, q SourceQuery) ([]match.StatementLine, error)
}

// PeriodRange expands a 2006-01 period into its calendar-month bounds.
func PeriodRange(period string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 1, 0).Add(-time.Nanosecond), nil
}
