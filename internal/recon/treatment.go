package recon

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// treatmentOutcome is the full effect of one treatment action: the ledger
// entry to append plus the rows it mutated or created. Persistence happens
// in one transaction so replaying entries always reconstructs this state.
type treatmentOutcome struct {
	Entry              TreatmentEntry
	Transaction        *Transaction
	Divergence         *Divergence
	CompensatingTx     *Transaction
	SystemBalanceDelta decimal.Decimal
}

// applyToTransaction applies APPROVE, REJECT, or REQUEST_CLARIFICATION to a
// surfaced transaction.
func applyToTransaction(in TreatmentInput, target Transaction, entryID uuid.UUID, now time.Time) (treatmentOutcome, error) {
	entry := TreatmentEntry{
		ID:               entryID,
		ReconciliationID: in.ReconciliationID,
		TargetKind:       TargetTransaction,
		TargetID:         target.ID,
		Action:           in.Action,
		Observation:      in.Observation,
		Actor:            in.Actor,
		CreatedAt:        now,
	}

	switch in.Action {
	case ActionApprove, ActionReject:
		next := MatchApproved
		if in.Action == ActionReject {
			next = MatchRejected
		}
		entry.Before = map[string]any{"matchStatus": string(target.MatchStatus)}
		entry.After = map[string]any{"matchStatus": string(next)}
		target.MatchStatus = next
		target.UpdatedAt = now
		return treatmentOutcome{Entry: entry, Transaction: &target}, nil
	case ActionRequestClarification:
		// Logs intent only; the escalation workflow lives outside this core.
		entry.Before = map[string]any{}
		entry.After = map[string]any{}
		return treatmentOutcome{Entry: entry}, nil
	default:
		return treatmentOutcome{}, fmt.Errorf("%w: action %s does not apply to transactions", ErrInvalidInput, in.Action)
	}
}

// applyToDivergence applies ADJUST_VALUE, MARK_DUPLICATE, or
// REQUEST_CLARIFICATION to a divergence. Recorded amounts never change;
// correction happens through compensating transactions.
func applyToDivergence(in TreatmentInput, target Divergence, entryID, compensatingID uuid.UUID, now time.Time) (treatmentOutcome, error) {
	entry := TreatmentEntry{
		ID:               entryID,
		ReconciliationID: in.ReconciliationID,
		TargetKind:       TargetDivergence,
		TargetID:         target.ID,
		Action:           in.Action,
		Observation:      in.Observation,
		AdjustedValue:    in.AdjustedValue,
		Actor:            in.Actor,
		CreatedAt:        now,
	}

	switch in.Action {
	case ActionMarkDuplicate:
		if target.Status == DivergenceResolved {
			return treatmentOutcome{}, fmt.Errorf("%w: divergence already resolved", ErrInvalidInput)
		}
		entry.Before = map[string]any{"status": string(target.Status), "observation": target.Observation}
		resolveDivergence(&target, in.Actor, in.Observation, now)
		entry.After = map[string]any{"status": string(target.Status), "observation": target.Observation}
		return treatmentOutcome{Entry: entry, Divergence: &target}, nil

	case ActionAdjustValue:
		if target.Status == DivergenceResolved {
			return treatmentOutcome{}, fmt.Errorf("%w: divergence already resolved", ErrInvalidInput)
		}
		entry.Before = map[string]any{"status": string(target.Status), "observation": target.Observation}

		comp := &Transaction{
			ID:               compensatingID,
			ReconciliationID: in.ReconciliationID,
			Side:             SideLedger,
			SourceID:         "adjustment:" + entryID.String(),
			Date:             now,
			Description:      fmt.Sprintf("Adjustment for divergence %s", target.ID),
			Type:             typeForAmount(*in.AdjustedValue),
			Amount:           *in.AdjustedValue,
			Category:         "ADJUSTMENT",
			MatchStatus:      MatchApproved,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		// The adjustment closes the gap when it offsets the recorded
		// difference exactly; otherwise the divergence stays open.
		if in.AdjustedValue.Equal(target.Difference.Neg()) {
			resolveDivergence(&target, in.Actor, in.Observation, now)
		} else {
			target.Observation = in.Observation
		}
		entry.After = map[string]any{"status": string(target.Status), "observation": target.Observation}
		return treatmentOutcome{
			Entry:              entry,
			Divergence:         &target,
			CompensatingTx:     comp,
			SystemBalanceDelta: *in.AdjustedValue,
		}, nil

	case ActionRequestClarification:
		entry.Before = map[string]any{"status": string(target.Status)}
		if target.Status == DivergenceOpen {
			target.Status = DivergenceInvestigating
		}
		target.Observation = in.Observation
		entry.After = map[string]any{"status": string(target.Status)}
		return treatmentOutcome{Entry: entry, Divergence: &target}, nil

	default:
		return treatmentOutcome{}, fmt.Errorf("%w: action %s does not apply to divergences", ErrInvalidInput, in.Action)
	}
}

func resolveDivergence(d *Divergence, actor, observation string, now time.Time) {
	d.Status = DivergenceResolved
	d.Observation = observation
	d.ResolvedBy = &actor
	at := now
	d.ResolvedAt = &at
}

func typeForAmount(v decimal.Decimal) TransactionType {
	if v.IsNegative() {
		return TypeDebit
	}
	return TypeCredit
}

// ReplayState is the Transaction/Divergence state reconstructed by folding
// treatment entries over the post-matching base state.
type ReplayState struct {
	Transactions map[uuid.UUID]Transaction
	Divergences  map[uuid.UUID]Divergence
}

// Replay folds treatment entries, in order, onto the base state produced by
// matching. The result must equal live state; that equivalence is the audit
// guarantee and is exercised by tests.
func Replay(base ReplayState, entries []TreatmentEntry) ReplayState {
	state := ReplayState{
		Transactions: make(map[uuid.UUID]Transaction, len(base.Transactions)),
		Divergences:  make(map[uuid.UUID]Divergence, len(base.Divergences)),
	}
	for id, tx := range base.Transactions {
		state.Transactions[id] = tx
	}
	for id, d := range base.Divergences {
		state.Divergences[id] = d
	}

	for _, entry := range entries {
		in := TreatmentInput{
			ReconciliationID: entry.ReconciliationID,
			TargetID:         entry.TargetID,
			Action:           entry.Action,
			Observation:      entry.Observation,
			AdjustedValue:    entry.AdjustedValue,
			Actor:            entry.Actor,
		}
		switch entry.TargetKind {
		case TargetTransaction:
			target, ok := state.Transactions[entry.TargetID]
			if !ok {
				continue
			}
			out, err := applyToTransaction(in, target, entry.ID, entry.CreatedAt)
			if err != nil {
				continue
			}
			if out.Transaction != nil {
				state.Transactions[out.Transaction.ID] = *out.Transaction
			}
		case TargetDivergence:
			target, ok := state.Divergences[entry.TargetID]
			if !ok {
				continue
			}
			out, err := applyToDivergence(in, target, entry.ID, compensatingIDFor(entry.ID), entry.CreatedAt)
			if err != nil {
				continue
			}
			if out.Divergence != nil {
				state.Divergences[out.Divergence.ID] = *out.Divergence
			}
			if out.CompensatingTx != nil {
				state.Transactions[out.CompensatingTx.ID] = *out.CompensatingTx
			}
		}
	}
	return state
}

// compensatingIDFor derives the compensating transaction id from the entry
// id, keeping replay deterministic without storing the generated id.
func compensatingIDFor(entryID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(entryID, []byte("compensating-transaction"))
}
