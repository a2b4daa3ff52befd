package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/concilio/concilio/internal/platform/db"
	"github.com/concilio/concilio/internal/recon/match"
)

// querier is the subset of pgx shared by pool and transaction handles.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGRepository persists reconciliations in PostgreSQL. Amounts travel as
// text so NUMERIC columns round-trip without float conversion.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs the PostgreSQL-backed repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// WithTx runs fn inside a repeatable-read transaction. Every write the
// service performs for one operation lands in the same transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{q: tx})
	})
}

func (r *PGRepository) GetReconciliation(ctx context.Context, id uuid.UUID) (Reconciliation, error) {
	return getReconciliation(ctx, r.pool, id, false)
}

func (r *PGRepository) ListReconciliations(ctx context.Context, filter ListFilter) ([]Reconciliation, int, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ClientID != uuid.Nil {
		add("client_id = $%d", filter.ClientID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Period != "" {
		add("period = $%d", filter.Period)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM reconciliations"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := reconciliationColumns + where + " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var recs []Reconciliation
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

func (r *PGRepository) ListTransactions(ctx context.Context, reconciliationID uuid.UUID) ([]Transaction, error) {
	return listTransactions(ctx, r.pool, reconciliationID)
}

func (r *PGRepository) ListDivergences(ctx context.Context, reconciliationID uuid.UUID) ([]Divergence, error) {
	return listDivergences(ctx, r.pool, reconciliationID)
}

func (r *PGRepository) ListTreatments(ctx context.Context, reconciliationID uuid.UUID) ([]TreatmentEntry, error) {
	return listTreatments(ctx, r.pool, reconciliationID)
}

// pgTxRepository exposes the write surface bound to one open transaction.
type pgTxRepository struct {
	q pgx.Tx
}

func (t *pgTxRepository) CreateReconciliation(ctx context.Context, rec Reconciliation) error {
	const query = `
INSERT INTO reconciliations (
	id, client_id, bank, account, period,
	start_balance, end_balance, bank_balance, system_balance,
	status, responsible, start_date, due_date, completed_at,
	observations, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err := t.q.Exec(ctx, query,
		rec.ID, rec.ClientID, rec.Bank, rec.Account, rec.Period,
		rec.StartBalance.String(), decimalPtrText(rec.EndBalance),
		rec.BankBalance.String(), rec.SystemBalance.String(),
		string(rec.Status), rec.Responsible, rec.StartDate, rec.DueDate, rec.CompletedAt,
		rec.Observations, rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: reconciliation already exists for %s/%s %s", ErrInvalidInput, rec.Bank, rec.Account, rec.Period)
	}
	return err
}

func (t *pgTxRepository) GetReconciliationForUpdate(ctx context.Context, id uuid.UUID) (Reconciliation, error) {
	return getReconciliation(ctx, t.q, id, true)
}

func (t *pgTxRepository) UpdateReconciliation(ctx context.Context, rec Reconciliation) error {
	const query = `
UPDATE reconciliations SET
	end_balance = $2, bank_balance = $3, system_balance = $4,
	status = $5, completed_at = $6, observations = $7, updated_at = $8
WHERE id = $1`
	tag, err := t.q.Exec(ctx, query,
		rec.ID, decimalPtrText(rec.EndBalance), rec.BankBalance.String(), rec.SystemBalance.String(),
		string(rec.Status), rec.CompletedAt, rec.Observations, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTxRepository) InsertTransactions(ctx context.Context, txs []Transaction) error {
	const query = `
INSERT INTO transactions (
	id, reconciliation_id, side, source_id, occurred_on, description,
	type, amount, category, document_ref, match_status,
	linked_transaction_id, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	for _, tx := range txs {
		_, err := t.q.Exec(ctx, query,
			tx.ID, tx.ReconciliationID, string(tx.Side), tx.SourceID, tx.Date, tx.Description,
			string(tx.Type), tx.Amount.String(), tx.Category, tx.DocumentRef, string(tx.MatchStatus),
			tx.LinkedTransactionID, tx.CreatedAt, tx.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: source item %s already surfaced", ErrInvalidInput, tx.SourceID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTxRepository) UpdateTransaction(ctx context.Context, tx Transaction) error {
	const query = `
UPDATE transactions SET match_status = $2, updated_at = $3 WHERE id = $1`
	tag, err := t.q.Exec(ctx, query, tx.ID, string(tx.MatchStatus), tx.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, tx.ID)
	}
	return nil
}

func (t *pgTxRepository) GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error) {
	row := t.q.QueryRow(ctx, transactionColumns+" WHERE id = $1", id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return tx, err
}

func (t *pgTxRepository) ListTransactions(ctx context.Context, reconciliationID uuid.UUID) ([]Transaction, error) {
	return listTransactions(ctx, t.q, reconciliationID)
}

func (t *pgTxRepository) InsertDivergences(ctx context.Context, divs []Divergence) error {
	const query = `
INSERT INTO divergences (
	id, reconciliation_id, transaction_id, kind, occurred_on, description,
	expected_value, actual_value, difference, status, observation,
	resolved_by, resolved_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	for _, d := range divs {
		_, err := t.q.Exec(ctx, query,
			d.ID, d.ReconciliationID, d.TransactionID, string(d.Kind), d.Date, d.Description,
			d.ExpectedValue.String(), d.ActualValue.String(), d.Difference.String(),
			string(d.Status), d.Observation, d.ResolvedBy, d.ResolvedAt, d.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTxRepository) UpdateDivergence(ctx context.Context, div Divergence) error {
	const query = `
UPDATE divergences SET status = $2, observation = $3, resolved_by = $4, resolved_at = $5 WHERE id = $1`
	tag, err := t.q.Exec(ctx, query, div.ID, string(div.Status), div.Observation, div.ResolvedBy, div.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, div.ID)
	}
	return nil
}

func (t *pgTxRepository) GetDivergence(ctx context.Context, id uuid.UUID) (Divergence, error) {
	row := t.q.QueryRow(ctx, divergenceColumns+" WHERE id = $1", id)
	d, err := scanDivergence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Divergence{}, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return d, err
}

func (t *pgTxRepository) ListDivergences(ctx context.Context, reconciliationID uuid.UUID) ([]Divergence, error) {
	return listDivergences(ctx, t.q, reconciliationID)
}

func (t *pgTxRepository) AppendTreatment(ctx context.Context, entry TreatmentEntry) error {
	before, err := json.Marshal(entry.Before)
	if err != nil {
		return fmt.Errorf("recon: marshal before snapshot: %w", err)
	}
	after, err := json.Marshal(entry.After)
	if err != nil {
		return fmt.Errorf("recon: marshal after snapshot: %w", err)
	}
	const query = `
INSERT INTO treatment_entries (
	id, reconciliation_id, target_kind, target_id, action,
	observation, adjusted_value, actor, before_state, after_state, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = t.q.Exec(ctx, query,
		entry.ID, entry.ReconciliationID, string(entry.TargetKind), entry.TargetID, string(entry.Action),
		entry.Observation, decimalPtrText(entry.AdjustedValue), entry.Actor, before, after, entry.CreatedAt)
	return err
}

const reconciliationColumns = `
SELECT id, client_id, bank, account, period,
	start_balance::text, end_balance::text, bank_balance::text, system_balance::text,
	status, responsible, start_date, due_date, completed_at,
	observations, created_at, updated_at
FROM reconciliations`

func getReconciliation(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (Reconciliation, error) {
	query := reconciliationColumns + " WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	rec, err := scanReconciliation(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reconciliation{}, ErrNotFound
	}
	return rec, err
}

func scanReconciliation(row pgx.Row) (Reconciliation, error) {
	var rec Reconciliation
	var start, bank, system string
	var end *string
	var status string
	err := row.Scan(&rec.ID, &rec.ClientID, &rec.Bank, &rec.Account, &rec.Period,
		&start, &end, &bank, &system,
		&status, &rec.Responsible, &rec.StartDate, &rec.DueDate, &rec.CompletedAt,
		&rec.Observations, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Reconciliation{}, err
	}
	if rec.StartBalance, err = decimal.NewFromString(start); err != nil {
		return Reconciliation{}, fmt.Errorf("recon: bad start_balance: %w", err)
	}
	if rec.BankBalance, err = decimal.NewFromString(bank); err != nil {
		return Reconciliation{}, fmt.Errorf("recon: bad bank_balance: %w", err)
	}
	if rec.SystemBalance, err = decimal.NewFromString(system); err != nil {
		return Reconciliation{}, fmt.Errorf("recon: bad system_balance: %w", err)
	}
	if end != nil {
		v, err := decimal.NewFromString(*end)
		if err != nil {
			return Reconciliation{}, fmt.Errorf("recon: bad end_balance: %w", err)
		}
		rec.EndBalance = &v
	}
	rec.Status = Status(status)
	return rec, nil
}

const transactionColumns = `
SELECT id, reconciliation_id, side, source_id, occurred_on, description,
	type, amount::text, category, document_ref, match_status,
	linked_transaction_id, created_at, updated_at
FROM transactions`

func listTransactions(ctx context.Context, q querier, reconciliationID uuid.UUID) ([]Transaction, error) {
	rows, err := q.Query(ctx, transactionColumns+" WHERE reconciliation_id = $1 ORDER BY created_at, id", reconciliationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var txs []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var tx Transaction
	var side, typ, matchStatus, amount string
	err := row.Scan(&tx.ID, &tx.ReconciliationID, &side, &tx.SourceID, &tx.Date, &tx.Description,
		&typ, &amount, &tx.Category, &tx.DocumentRef, &matchStatus,
		&tx.LinkedTransactionID, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return Transaction{}, err
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("recon: bad amount: %w", err)
	}
	tx.Side = Side(side)
	tx.Type = TransactionType(typ)
	tx.MatchStatus = MatchStatus(matchStatus)
	return tx, nil
}

const divergenceColumns = `
SELECT id, reconciliation_id, transaction_id, kind, occurred_on, description,
	expected_value::text, actual_value::text, difference::text, status, observation,
	resolved_by, resolved_at, created_at
FROM divergences`

func listDivergences(ctx context.Context, q querier, reconciliationID uuid.UUID) ([]Divergence, error) {
	rows, err := q.Query(ctx, divergenceColumns+" WHERE reconciliation_id = $1 ORDER BY created_at, id", reconciliationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var divs []Divergence
	for rows.Next() {
		d, err := scanDivergence(rows)
		if err != nil {
			return nil, err
		}
		divs = append(divs, d)
	}
	return divs, rows.Err()
}

func scanDivergence(row pgx.Row) (Divergence, error) {
	var d Divergence
	var kind, status, expected, actual, difference string
	err := row.Scan(&d.ID, &d.ReconciliationID, &d.TransactionID, &kind, &d.Date, &d.Description,
		&expected, &actual, &difference, &status, &d.Observation,
		&d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt)
	if err != nil {
		return Divergence{}, err
	}
	if d.ExpectedValue, err = decimal.NewFromString(expected); err != nil {
		return Divergence{}, fmt.Errorf("recon: bad expected_value: %w", err)
	}
	if d.ActualValue, err = decimal.NewFromString(actual); err != nil {
		return Divergence{}, fmt.Errorf("recon: bad actual_value: %w", err)
	}
	if d.Difference, err = decimal.NewFromString(difference); err != nil {
		return Divergence{}, fmt.Errorf("recon: bad difference: %w", err)
	}
	d.Kind = match.DivergenceKind(kind)
	d.Status = DivergenceStatus(status)
	return d, nil
}

func listTreatments(ctx context.Context, q querier, reconciliationID uuid.UUID) ([]TreatmentEntry, error) {
	const query = `
SELECT id, reconciliation_id, target_kind, target_id, action,
	observation, adjusted_value::text, actor, before_state, after_state, created_at
FROM treatment_entries
WHERE reconciliation_id = $1
ORDER BY created_at, id`
	rows, err := q.Query(ctx, query, reconciliationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []TreatmentEntry
	for rows.Next() {
		var e TreatmentEntry
		var kind, action string
		var adjusted *string
		var before, after []byte
		err := rows.Scan(&e.ID, &e.ReconciliationID, &kind, &e.TargetID, &action,
			&e.Observation, &adjusted, &e.Actor, &before, &after, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		if adjusted != nil {
			v, err := decimal.NewFromString(*adjusted)
			if err != nil {
				return nil, fmt.Errorf("recon: bad adjusted_value: %w", err)
			}
			e.AdjustedValue = &v
		}
		if err := json.Unmarshal(before, &e.Before); err != nil {
			return nil, fmt.Errorf("recon: bad before snapshot: %w", err)
		}
		if err := json.Unmarshal(after, &e.After); err != nil {
			return nil, fmt.Errorf("recon: bad after snapshot: %w", err)
		}
		e.TargetKind = TargetKind(kind)
		e.Action = TreatmentAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func decimalPtrText(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
