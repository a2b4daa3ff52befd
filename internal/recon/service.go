package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/concilio/concilio/internal/recon/match"
	"github.com/concilio/concilio/internal/shared"
)

// AuditRecorder captures audit events emitted by the service.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer receives engine metrics. Implementations live in observability.
type Observer interface {
	ObserveMatchingRun(duration time.Duration, pairs, divergences int)
	ObserveTreatment(action string)
	ObserveClose(success bool)
}

// ServiceConfig carries operator-settable engine defaults.
type ServiceConfig struct {
	DefaultMatch   match.Config
	CloseTolerance decimal.Decimal
}

// Service owns the reconciliation lifecycle: it runs matching, applies
// treatments, and enforces the closure invariants. All writes for one
// reconciliation are serialized through the Locker.
type Service struct {
	repo      Repository
	locker    Locker
	ledger    LedgerSource
	statement StatementSource
	audit     AuditRecorder
	observer  Observer
	logger    *slog.Logger
	cfg       ServiceConfig
	summaries *SummaryCache
	now       func() time.Time
	newID     func() uuid.UUID
}

// NewService wires the reconciliation service.
func NewService(repo Repository, locker Locker, ledger LedgerSource, statement StatementSource, audit AuditRecorder, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.DefaultMatch.DateWindowDays == 0 && cfg.DefaultMatch.AmountTolerance.IsZero() {
		cfg.DefaultMatch = match.DefaultConfig()
	}
	return &Service{
		repo:      repo,
		locker:    locker,
		ledger:    ledger,
		statement: statement,
		audit:     audit,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.New,
	}
}

// WithObserver attaches a metrics observer.
func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithIDGenerator overrides id generation for deterministic tests.
func (s *Service) WithIDGenerator(gen func() uuid.UUID) {
	if gen != nil {
		s.newID = gen
	}
}

// Create registers a new reconciliation in PENDING state.
func (s *Service) Create(ctx context.Context, in CreateInput) (Reconciliation, error) {
	if err := in.Validate(); err != nil {
		return Reconciliation{}, err
	}
	now := s.now()
	rec := Reconciliation{
		ID:            s.newID(),
		ClientID:      in.ClientID,
		Bank:          in.Bank,
		Account:       in.Account,
		Period:        in.Period,
		StartBalance:  in.StartBalance,
		BankBalance:   in.StartBalance,
		SystemBalance: in.StartBalance,
		Status:        StatusPending,
		Responsible:   in.Responsible,
		StartDate:     now,
		DueDate:       in.DueDate,
		Observations:  in.Observations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.CreateReconciliation(ctx, rec)
	})
	if err != nil {
		return Reconciliation{}, err
	}
	s.recordAudit(ctx, "recon_create", rec.ID, in.Responsible, map[string]any{
		"period": rec.Period, "bank": rec.Bank, "account": rec.Account,
	})
	return rec, nil
}

// Get returns a reconciliation by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Reconciliation, error) {
	return s.repo.GetReconciliation(ctx, id)
}

// List returns reconciliations matching the filter plus the total count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Reconciliation, int, error) {
	return s.repo.ListReconciliations(ctx, filter)
}

// Transactions returns the surfaced matching outcomes.
func (s *Service) Transactions(ctx context.Context, id uuid.UUID) ([]Transaction, error) {
	return s.repo.ListTransactions(ctx, id)
}

// Divergences returns the detected divergences.
func (s *Service) Divergences(ctx context.Context, id uuid.UUID) ([]Divergence, error) {
	return s.repo.ListDivergences(ctx, id)
}

// Treatments returns the append-only treatment history in order.
func (s *Service) Treatments(ctx context.Context, id uuid.UUID) ([]TreatmentEntry, error) {
	return s.repo.ListTreatments(ctx, id)
}

// MatchOutcome summarises one matching run.
type MatchOutcome struct {
	Reconciliation Reconciliation
	Pairs          []match.Pair
	Transactions   []Transaction
	Divergences    []Divergence
	SkippedItems   int
}

// RunMatchingFromSources fetches both sides concurrently from the injected
// sources and runs RunMatching on the result.
func (s *Service) RunMatchingFromSources(ctx context.Context, id uuid.UUID, cfg match.Config) (MatchOutcome, error) {
	rec, err := s.repo.GetReconciliation(ctx, id)
	if err != nil {
		return MatchOutcome{}, err
	}
	from, to, err := PeriodRange(rec.Period)
	if err != nil {
		return MatchOutcome{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	q := SourceQuery{ClientID: rec.ClientID, Bank: rec.Bank, Account: rec.Account, From: from, To: to}

	var entries []match.LedgerEntry
	var lines []match.StatementLine
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = s.ledger.LedgerEntries(gctx, q)
		return err
	})
	g.Go(func() error {
		var err error
		lines, err = s.statement.StatementLines(gctx, q)
		return err
	})
	if err := g.Wait(); err != nil {
		return MatchOutcome{}, err
	}
	return s.RunMatching(ctx, id, entries, lines, cfg)
}

// RunMatching pairs the supplied ledger entries against statement lines and
// persists the outcome. Re-runs are idempotent: items already surfaced in a
// previous run are skipped, so confirmed pairs are never duplicated.
func (s *Service) RunMatching(ctx context.Context, id uuid.UUID, entries []match.LedgerEntry, lines []match.StatementLine, cfg match.Config) (MatchOutcome, error) {
	if err := cfg.Validate(); err != nil {
		return MatchOutcome{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	release, err := s.locker.Acquire(ctx, id)
	if err != nil {
		return MatchOutcome{}, err
	}
	defer release()

	started := s.now()
	var out MatchOutcome
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetReconciliationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrReconciliationClosed, rec.ID, rec.Status)
		}

		existing, err := tx.ListTransactions(ctx, id)
		if err != nil {
			return err
		}
		seenLedger := make(map[string]struct{})
		seenStatement := make(map[string]struct{})
		for _, t := range existing {
			switch t.Side {
			case SideLedger:
				seenLedger[t.SourceID] = struct{}{}
			case SideStatement:
				seenStatement[t.SourceID] = struct{}{}
			}
		}

		newEntries := make([]match.LedgerEntry, 0, len(entries))
		for _, e := range entries {
			if _, ok := seenLedger[e.SourceID]; ok {
				out.SkippedItems++
				continue
			}
			newEntries = append(newEntries, e)
		}
		newLines := make([]match.StatementLine, 0, len(lines))
		for _, l := range lines {
			if _, ok := seenStatement[l.SourceID]; ok {
				out.SkippedItems++
				continue
			}
			newLines = append(newLines, l)
		}

		res, err := match.Run(newEntries, newLines, cfg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}

		now := s.now()
		txs, index := s.surfaceTransactions(rec.ID, res, now)
		divs := s.surfaceDivergences(rec.ID, res, index, now)

		for _, e := range newEntries {
			rec.SystemBalance = rec.SystemBalance.Add(e.Amount)
		}
		for _, l := range newLines {
			rec.BankBalance = rec.BankBalance.Add(l.Amount)
		}
		if rec.Status == StatusPending {
			if !ValidTransition(rec.Status, StatusInProgress) {
				return fmt.Errorf("%w: cannot start matching from %s", ErrInvalidInput, rec.Status)
			}
			rec.Status = StatusInProgress
		}
		rec.UpdatedAt = now

		if err := tx.InsertTransactions(ctx, txs); err != nil {
			return err
		}
		if err := tx.InsertDivergences(ctx, divs); err != nil {
			return err
		}
		if err := tx.UpdateReconciliation(ctx, rec); err != nil {
			return err
		}

		out.Reconciliation = rec
		out.Pairs = res.Pairs
		out.Transactions = txs
		out.Divergences = divs
		return nil
	})
	if err != nil {
		return MatchOutcome{}, err
	}

	s.recordAudit(ctx, "recon_match", id, out.Reconciliation.Responsible, map[string]any{
		"pairs":       len(out.Pairs),
		"divergences": len(out.Divergences),
		"skipped":     out.SkippedItems,
	})
	if s.observer != nil {
		s.observer.ObserveMatchingRun(s.now().Sub(started), len(out.Pairs), len(out.Divergences))
	}
	s.summaries.Invalidate(ctx, id)
	s.log().Info("matching run completed",
		slog.String("reconciliation_id", id.String()),
		slog.Int("pairs", len(out.Pairs)),
		slog.Int("divergences", len(out.Divergences)),
		slog.Int("skipped", out.SkippedItems))
	return out, nil
}

type surfaceIndex struct {
	ledger    map[string]uuid.UUID
	statement map[string]uuid.UUID
}

// surfaceTransactions turns the matcher output into operator-facing rows,
// cross-linking both members of every confirmed pair.
func (s *Service) surfaceTransactions(recID uuid.UUID, res match.Result, now time.Time) ([]Transaction, surfaceIndex) {
	index := surfaceIndex{ledger: make(map[string]uuid.UUID), statement: make(map[string]uuid.UUID)}
	var txs []Transaction

	add := func(side Side, sourceID string, date time.Time, desc, ref string, amount decimal.Decimal, status MatchStatus) uuid.UUID {
		id := s.newID()
		txs = append(txs, Transaction{
			ID:               id,
			ReconciliationID: recID,
			Side:             side,
			SourceID:         sourceID,
			Date:             date,
			Description:      desc,
			Type:             typeForAmount(amount),
			Amount:           amount,
			DocumentRef:      ref,
			MatchStatus:      status,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if side == SideLedger {
			index.ledger[sourceID] = id
		} else {
			index.statement[sourceID] = id
		}
		return id
	}

	for _, p := range res.Pairs {
		lid := add(SideLedger, p.Ledger.SourceID, p.Ledger.Date, p.Ledger.Description, p.Ledger.ExternalRef, p.Ledger.Amount, MatchMatched)
		sid := add(SideStatement, p.Statement.SourceID, p.Statement.Date, p.Statement.Description, p.Statement.ExternalRef, p.Statement.Amount, MatchMatched)
		txs[len(txs)-2].LinkedTransactionID = &sid
		txs[len(txs)-1].LinkedTransactionID = &lid
	}
	for _, e := range res.UnmatchedLedger {
		add(SideLedger, e.SourceID, e.Date, e.Description, e.ExternalRef, e.Amount, MatchUnmatched)
	}
	for _, l := range res.UnmatchedStatement {
		add(SideStatement, l.SourceID, l.Date, l.Description, l.ExternalRef, l.Amount, MatchUnmatched)
	}
	return txs, index
}

// surfaceDivergences maps classifier output onto persisted records, linking
// each one to the transaction it refers to where one exists.
func (s *Service) surfaceDivergences(recID uuid.UUID, res match.Result, index surfaceIndex, now time.Time) []Divergence {
	drafts := match.Classify(res)
	divs := make([]Divergence, 0, len(drafts))
	for _, d := range drafts {
		div := Divergence{
			ID:               s.newID(),
			ReconciliationID: recID,
			Kind:             d.Kind,
			Date:             d.Date,
			Description:      d.Description,
			ExpectedValue:    d.Expected,
			ActualValue:      d.Actual,
			Difference:       d.Difference,
			Status:           DivergenceOpen,
			CreatedAt:        now,
		}
		var txID uuid.UUID
		var ok bool
		switch d.Kind {
		case match.KindStatementOnly:
			txID, ok = index.statement[sourceIDForDraft(res, d)]
		default:
			txID, ok = index.ledger[sourceIDForDraft(res, d)]
		}
		if ok {
			id := txID
			div.TransactionID = &id
		}
		divs = append(divs, div)
	}
	return divs
}

// sourceIDForDraft locates the source item a divergence draft was built
// from. Drafts preserve classifier output order, so the scan is index-free
// and deterministic.
func sourceIDForDraft(res match.Result, d match.Divergence) string {
	switch d.Kind {
	case match.KindAmountMismatch:
		for _, p := range res.Pairs {
			if !p.Exact() && p.Ledger.Date.Equal(d.Date) && p.Ledger.Amount.Equal(d.Expected) && p.Statement.Amount.Equal(d.Actual) {
				return p.Ledger.SourceID
			}
		}
	case match.KindLedgerOnly:
		for _, e := range res.UnmatchedLedger {
			if e.Date.Equal(d.Date) && e.Amount.Equal(d.Expected) && e.Description == d.Description {
				return e.SourceID
			}
		}
	case match.KindStatementOnly:
		for _, l := range res.UnmatchedStatement {
			if l.Date.Equal(d.Date) && l.Amount.Equal(d.Actual) && l.Description == d.Description {
				return l.SourceID
			}
		}
	}
	return ""
}

// ApplyTreatment records one operator decision and applies its state change.
// It is the only path that mutates a Transaction's matchStatus or a
// Divergence's status/observation.
func (s *Service) ApplyTreatment(ctx context.Context, in TreatmentInput) (TreatmentEntry, error) {
	if err := in.Validate(); err != nil {
		return TreatmentEntry{}, err
	}
	if in.Action == ActionCancel {
		return TreatmentEntry{}, fmt.Errorf("%w: cancellation goes through Cancel", ErrInvalidInput)
	}
	release, err := s.locker.Acquire(ctx, in.ReconciliationID)
	if err != nil {
		return TreatmentEntry{}, err
	}
	defer release()

	var entry TreatmentEntry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetReconciliationForUpdate(ctx, in.ReconciliationID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrReconciliationClosed, rec.ID, rec.Status)
		}

		now := s.now()
		entryID := s.newID()
		var out treatmentOutcome

		if target, err := tx.GetTransaction(ctx, in.TargetID); err == nil {
			if target.ReconciliationID != rec.ID {
				return fmt.Errorf("%w: %s", ErrUnknownTarget, in.TargetID)
			}
			out, err = applyToTransaction(in, target, entryID, now)
			if err != nil {
				return err
			}
		} else if div, derr := tx.GetDivergence(ctx, in.TargetID); derr == nil {
			if div.ReconciliationID != rec.ID {
				return fmt.Errorf("%w: %s", ErrUnknownTarget, in.TargetID)
			}
			out, err = applyToDivergence(in, div, entryID, compensatingIDFor(entryID), now)
			if err != nil {
				return err
			}
		} else {
			return fmt.Errorf("%w: %s", ErrUnknownTarget, in.TargetID)
		}

		if err := tx.AppendTreatment(ctx, out.Entry); err != nil {
			return err
		}
		if out.Transaction != nil {
			if err := tx.UpdateTransaction(ctx, *out.Transaction); err != nil {
				return err
			}
		}
		if out.Divergence != nil {
			if err := tx.UpdateDivergence(ctx, *out.Divergence); err != nil {
				return err
			}
		}
		if out.CompensatingTx != nil {
			if err := tx.InsertTransactions(ctx, []Transaction{*out.CompensatingTx}); err != nil {
				return err
			}
		}
		if !out.SystemBalanceDelta.IsZero() {
			rec.SystemBalance = rec.SystemBalance.Add(out.SystemBalanceDelta)
			rec.UpdatedAt = now
			if err := tx.UpdateReconciliation(ctx, rec); err != nil {
				return err
			}
		}
		entry = out.Entry
		return nil
	})
	if err != nil {
		return TreatmentEntry{}, err
	}

	s.recordAudit(ctx, "recon_treatment", in.ReconciliationID, in.Actor, map[string]any{
		"action":    string(in.Action),
		"target_id": in.TargetID.String(),
	})
	if s.observer != nil {
		s.observer.ObserveTreatment(string(in.Action))
	}
	s.summaries.Invalidate(ctx, in.ReconciliationID)
	return entry, nil
}

// AttemptClose transitions an IN_PROGRESS reconciliation to COMPLETED. It
// succeeds only when every divergence is RESOLVED and the balance difference
// is within the close tolerance; otherwise it reports every blocker.
func (s *Service) AttemptClose(ctx context.Context, id uuid.UUID) (Reconciliation, error) {
	release, err := s.locker.Acquire(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	defer release()

	var rec Reconciliation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rec, err = tx.GetReconciliationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrReconciliationClosed, rec.ID, rec.Status)
		}
		if !ValidTransition(rec.Status, StatusCompleted) {
			return fmt.Errorf("%w: cannot close from %s", ErrInvalidInput, rec.Status)
		}

		divs, err := tx.ListDivergences(ctx, id)
		if err != nil {
			return err
		}
		var blocking []uuid.UUID
		for _, d := range divs {
			if d.Status != DivergenceResolved {
				blocking = append(blocking, d.ID)
			}
		}
		residual := rec.Difference()
		if len(blocking) > 0 || residual.Abs().GreaterThan(s.cfg.CloseTolerance) {
			return &CloseBlockedError{
				ReconciliationID: id,
				DivergenceIDs:    blocking,
				Residual:         residual,
				Tolerance:        s.cfg.CloseTolerance,
			}
		}

		now := s.now()
		rec.Status = StatusCompleted
		rec.CompletedAt = &now
		end := rec.SystemBalance
		rec.EndBalance = &end
		rec.UpdatedAt = now
		return tx.UpdateReconciliation(ctx, rec)
	})
	if s.observer != nil {
		s.observer.ObserveClose(err == nil)
	}
	if err != nil {
		return Reconciliation{}, err
	}
	s.recordAudit(ctx, "recon_close", id, rec.Responsible, map[string]any{
		"end_balance": rec.SystemBalance.String(),
	})
	s.summaries.Invalidate(ctx, id)
	s.log().Info("reconciliation completed", slog.String("reconciliation_id", id.String()))
	return rec, nil
}

// Cancel abandons a non-terminal reconciliation. A reason is required and is
// recorded in the treatment ledger; no balance checks are performed.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (Reconciliation, error) {
	if reason == "" {
		return Reconciliation{}, fmt.Errorf("%w: cancellation reason required", ErrInvalidInput)
	}
	if actor == "" {
		return Reconciliation{}, fmt.Errorf("%w: actor required", ErrInvalidInput)
	}
	release, err := s.locker.Acquire(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	defer release()

	var rec Reconciliation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rec, err = tx.GetReconciliationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrReconciliationClosed, rec.ID, rec.Status)
		}

		now := s.now()
		entry := TreatmentEntry{
			ID:               s.newID(),
			ReconciliationID: id,
			TargetKind:       TargetReconciliation,
			TargetID:         id,
			Action:           ActionCancel,
			Observation:      reason,
			Actor:            actor,
			Before:           map[string]any{"status": string(rec.Status)},
			After:            map[string]any{"status": string(StatusCancelled)},
			CreatedAt:        now,
		}
		if err := tx.AppendTreatment(ctx, entry); err != nil {
			return err
		}
		rec.Status = StatusCancelled
		rec.UpdatedAt = now
		return tx.UpdateReconciliation(ctx, rec)
	})
	if err != nil {
		return Reconciliation{}, err
	}
	s.recordAudit(ctx, "recon_cancel", id, actor, map[string]any{"reason": reason})
	s.summaries.Invalidate(ctx, id)
	return rec, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, id uuid.UUID, actor string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "reconciliations",
		EntityID: id.String(),
		Meta:     meta,
		At:       s.now(),
	})
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(slog.String("component", "recon_service"))
	}
	return slog.Default().With(slog.String("component", "recon_service"))
}
