package recon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/concilio/concilio/internal/recon/match"
)

// Status enumerates the reconciliation lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further mutation is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ValidTransition checks the lifecycle policy. Re-running the matcher keeps
// an IN_PROGRESS reconciliation in place, and CANCELLED is reachable from
// any non-terminal state.
func ValidTransition(current, target Status) bool {
	if current == target && current == StatusInProgress {
		return true
	}
	switch current {
	case StatusPending:
		return target == StatusInProgress || target == StatusCancelled
	case StatusInProgress:
		return target == StatusCompleted || target == StatusCancelled
	}
	return false
}

// Side states which source a surfaced transaction came from.
type Side string

const (
	SideLedger    Side = "LEDGER"
	SideStatement Side = "STATEMENT"
)

// TransactionType mirrors the operator-facing credit/debit presentation.
type TransactionType string

const (
	TypeCredit TransactionType = "CREDIT"
	TypeDebit  TransactionType = "DEBIT"
)

// MatchStatus tracks what the matcher and the operator decided for one item.
type MatchStatus string

const (
	MatchUnmatched MatchStatus = "UNMATCHED"
	MatchMatched   MatchStatus = "MATCHED"
	MatchApproved  MatchStatus = "APPROVED"
	MatchRejected  MatchStatus = "REJECTED"
)

// DivergenceStatus tracks the resolution workflow of a detected mismatch.
type DivergenceStatus string

const (
	DivergenceOpen          DivergenceStatus = "OPEN"
	DivergenceInvestigating DivergenceStatus = "INVESTIGATING"
	DivergenceResolved      DivergenceStatus = "RESOLVED"
)

// Reconciliation is one bank-account/period unit of work for one client.
// Difference is always derived from the current balances, never stored.
type Reconciliation struct {
	ID            uuid.UUID
	ClientID      uuid.UUID
	Bank          string
	Account       string
	Period        string // calendar month, formatted 2006-01
	StartBalance  decimal.Decimal
	EndBalance    *decimal.Decimal
	BankBalance   decimal.Decimal
	SystemBalance decimal.Decimal
	Status        Status
	Responsible   string
	StartDate     time.Time
	DueDate       *time.Time
	CompletedAt   *time.Time
	Observations  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Difference returns bank balance minus system balance.
func (r Reconciliation) Difference() decimal.Decimal {
	return r.BankBalance.Sub(r.SystemBalance)
}

// Transaction is one ledger or statement item surfaced to the operator as a
// persisted matching outcome.
type Transaction struct {
	ID                  uuid.UUID
	ReconciliationID    uuid.UUID
	Side                Side
	SourceID            string
	Date                time.Time
	Description         string
	Type                TransactionType
	Amount              decimal.Decimal
	Category            string
	DocumentRef         string
	MatchStatus         MatchStatus
	LinkedTransactionID *uuid.UUID
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Divergence is a detected inconsistency awaiting human resolution. The
// recorded amounts are immutable once created; only Status and Observation
// move, and only through treatment actions.
type Divergence struct {
	ID               uuid.UUID
	ReconciliationID uuid.UUID
	TransactionID    *uuid.UUID
	Kind             match.DivergenceKind
	Date             time.Time
	Description      string
	ExpectedValue    decimal.Decimal
	ActualValue      decimal.Decimal
	Difference       decimal.Decimal
	Status           DivergenceStatus
	Observation      string
	ResolvedBy       *string
	ResolvedAt       *time.Time
	CreatedAt        time.Time
}

// TreatmentAction is the closed set of operator decisions.
type TreatmentAction string

const (
	ActionApprove              TreatmentAction = "APPROVE"
	ActionReject               TreatmentAction = "REJECT"
	ActionAdjustValue          TreatmentAction = "ADJUST_VALUE"
	ActionMarkDuplicate        TreatmentAction = "MARK_DUPLICATE"
	ActionRequestClarification TreatmentAction = "REQUEST_CLARIFICATION"
	ActionCancel               TreatmentAction = "CANCEL"
)

// KnownAction reports whether the action belongs to the closed enumeration.
func KnownAction(a TreatmentAction) bool {
	switch a {
	case ActionApprove, ActionReject, ActionAdjustValue, ActionMarkDuplicate, ActionRequestClarification, ActionCancel:
		return true
	}
	return false
}

// TargetKind states what a treatment entry points at.
type TargetKind string

const (
	TargetTransaction    TargetKind = "TRANSACTION"
	TargetDivergence     TargetKind = "DIVERGENCE"
	TargetReconciliation TargetKind = "RECONCILIATION"
)

// TreatmentEntry is one immutable, attributable record in the append-only
// treatment ledger. Before and After snapshot only the fields the action
// mutated, so replaying entries in order reconstructs current state.
type TreatmentEntry struct {
	ID               uuid.UUID
	ReconciliationID uuid.UUID
	TargetKind       TargetKind
	TargetID         uuid.UUID
	Action           TreatmentAction
	Observation      string
	AdjustedValue    *decimal.Decimal
	Actor            string
	Before           map[string]any
	After            map[string]any
	CreatedAt        time.Time
}

// TreatmentInput carries one requested operator decision.
type TreatmentInput struct {
	ReconciliationID uuid.UUID
	TargetID         uuid.UUID
	Action           TreatmentAction
	Observation      string
	AdjustedValue    *decimal.Decimal
	Actor            string
}

// Validate enforces the boundary rules shared by every action.
func (in TreatmentInput) Validate() error {
	if in.ReconciliationID == uuid.Nil {
		return fmt.Errorf("%w: reconciliation id required", ErrInvalidInput)
	}
	if in.TargetID == uuid.Nil {
		return fmt.Errorf("%w: target id required", ErrInvalidInput)
	}
	if !KnownAction(in.Action) {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, in.Action)
	}
	if strings.TrimSpace(in.Observation) == "" {
		return fmt.Errorf("%w: observation required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Actor) == "" {
		return fmt.Errorf("%w: actor required", ErrInvalidInput)
	}
	if in.Action == ActionAdjustValue && in.AdjustedValue == nil {
		return fmt.Errorf("%w: adjusted value required for %s", ErrInvalidInput, ActionAdjustValue)
	}
	if in.Action != ActionAdjustValue && in.AdjustedValue != nil {
		return fmt.Errorf("%w: adjusted value only accepted for %s", ErrInvalidInput, ActionAdjustValue)
	}
	return nil
}

// CreateInput captures a new reconciliation request.
type CreateInput struct {
	ClientID     uuid.UUID
	Bank         string
	Account      string
	Period       string
	StartBalance decimal.Decimal
	Responsible  string
	DueDate      *time.Time
	Observations string
}

// Validate checks required fields and the period format.
func (in CreateInput) Validate() error {
	if in.ClientID == uuid.Nil {
		return fmt.Errorf("%w: client id required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Bank) == "" || strings.TrimSpace(in.Account) == "" {
		return fmt.Errorf("%w: bank and account required", ErrInvalidInput)
	}
	if _, err := time.Parse("2006-01", in.Period); err != nil {
		return fmt.Errorf("%w: period must be formatted 2006-01", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Responsible) == "" {
		return fmt.Errorf("%w: responsible required", ErrInvalidInput)
	}
	return nil
}

// Sentinel errors returned by the reconciliation core.
var (
	// ErrInvalidInput indicates malformed amounts, dates, or missing fields.
	ErrInvalidInput = errors.New("recon: invalid input")
	// ErrNotFound indicates the reconciliation does not exist.
	ErrNotFound = errors.New("recon: reconciliation not found")
	// ErrUnknownTarget indicates a treatment referenced a nonexistent item.
	ErrUnknownTarget = errors.New("recon: unknown treatment target")
	// ErrReconciliationClosed indicates mutation of a terminal reconciliation.
	ErrReconciliationClosed = errors.New("recon: reconciliation is closed")
	// ErrConcurrentModification indicates lock contention beyond the wait budget.
	ErrConcurrentModification = errors.New("recon: concurrent modification")
	// ErrCloseBlocked is matched by CloseBlockedError via errors.Is.
	ErrCloseBlocked = errors.New("recon: close blocked")
)

// CloseBlockedError reports exactly why AttemptClose was rejected: the
// unresolved divergences and the residual balance difference.
type CloseBlockedError struct {
	ReconciliationID uuid.UUID
	DivergenceIDs    []uuid.UUID
	Residual         decimal.Decimal
	Tolerance        decimal.Decimal
}

func (e *CloseBlockedError) Error() string {
	var parts []string
	if len(e.DivergenceIDs) > 0 {
		ids := make([]string, len(e.DivergenceIDs))
		for i, id := range e.DivergenceIDs {
			ids[i] = id.String()
		}
		parts = append(parts, fmt.Sprintf("%d unresolved divergence(s): %s", len(ids), strings.Join(ids, ", ")))
	}
	if e.Residual.Abs().GreaterThan(e.Tolerance) {
		parts = append(parts, fmt.Sprintf("residual difference %s exceeds tolerance %s", e.Residual, e.Tolerance))
	}
	return fmt.Sprintf("recon: close blocked for %s: %s", e.ReconciliationID, strings.Join(parts, "; "))
}

// Is lets callers match with errors.Is(err, ErrCloseBlocked).
func (e *CloseBlockedError) Is(target error) bool {
	return target == ErrCloseBlocked
}
