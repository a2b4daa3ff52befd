package recon

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/concilio/concilio/internal/recon/match"
)

// PGLedgerSource reads system movements from the ledger_entries table.
type PGLedgerSource struct {
	pool *pgxpool.Pool
}

// NewPGLedgerSource constructs a ledger source over the shared pool.
func NewPGLedgerSource(pool *pgxpool.Pool) *PGLedgerSource {
	return &PGLedgerSource{pool: pool}
}

func (s *PGLedgerSource) LedgerEntries(ctx context.Context, q SourceQuery) ([]match.LedgerEntry, error) {
	const query = `
SELECT source_id, occurred_on, amount::text, description, COALESCE(document_ref, '')
FROM ledger_entries
WHERE client_id = $1 AND bank = $2 AND account = $3
	AND occurred_on >= $4 AND occurred_on < $5
ORDER BY occurred_on, source_id`
	rows, err := s.pool.Query(ctx, query, q.ClientID, q.Bank, q.Account, q.From, q.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []match.LedgerEntry
	for rows.Next() {
		var e match.LedgerEntry
		var amount string
		if err := rows.Scan(&e.SourceID, &e.Date, &amount, &e.Description, &e.ExternalRef); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("recon: bad ledger amount: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PGStatementSource reads imported bank movements from the statement_lines
// table.
type PGStatementSource struct {
	pool *pgxpool.Pool
}

// NewPGStatementSource constructs a statement source over the shared pool.
func NewPGStatementSource(pool *pgxpool.Pool) *PGStatementSource {
	return &PGStatementSource{pool: pool}
}

func (s *PGStatementSource) StatementLines(ctx context.Context, q SourceQuery) ([]match.StatementLine, error) {
	const query = `
SELECT source_id, occurred_on, amount::text, description, COALESCE(external_ref, '')
FROM statement_lines
WHERE client_id = $1 AND bank = $2 AND account = $3
	AND occurred_on >= $4 AND occurred_on < $5
ORDER BY occurred_on, source_id`
	rows, err := s.pool.Query(ctx, query, q.ClientID, q.Bank, q.Account, q.From, q.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []match.StatementLine
	for rows.Next() {
		var l match.StatementLine
		var amount string
		if err := rows.Scan(&l.SourceID, &l.Date, &amount, &l.Description, &l.ExternalRef); err != nil {
			return nil, err
		}
		if l.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("recon: bad statement amount: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
