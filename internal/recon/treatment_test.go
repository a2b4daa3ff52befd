package recon

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/concilio/concilio/internal/recon/match"
)

func TestTreatmentHistoryIsAppendOnly(t *testing.T) {
	svc, repo, _ := testService(t)
	rec := createTestRecon(t, svc, "0.00")
	out, err := svc.RunMatching(context.Background(), rec.ID,
		[]match.LedgerEntry{ledgerItem("L1", "10.00", 2, "a"), ledgerItem("L2", "20.00", 3, "b")},
		nil, match.DefaultConfig())
	require.NoError(t, err)

	var prior []TreatmentEntry
	apply := func(in TreatmentInput) {
		t.Helper()
		_, err := svc.ApplyTreatment(context.Background(), in)
		require.NoError(t, err)

		entries, err := svc.Treatments(context.Background(), rec.ID)
		require.NoError(t, err)
		require.Len(t, entries, len(prior)+1)
		// Existing entries never change.
		for i, p := range prior {
			require.Equal(t, p, entries[i])
		}
		prior = entries
	}

	apply(TreatmentInput{
		ReconciliationID: rec.ID, TargetID: out.Divergences[0].ID,
		Action: ActionRequestClarification, Observation: "aguardando nota", Actor: "ana",
	})
	apply(TreatmentInput{
		ReconciliationID: rec.ID, TargetID: out.Divergences[0].ID,
		Action: ActionMarkDuplicate, Observation: "duplicado", Actor: "ana",
	})
	adjust := amt("-20.00")
	apply(TreatmentInput{
		ReconciliationID: rec.ID, TargetID: out.Divergences[1].ID,
		Action: ActionAdjustValue, Observation: "estorno", AdjustedValue: &adjust, Actor: "bia",
	})

	// Snapshots pin the transition, not just the end state.
	require.Equal(t, "OPEN", prior[0].Before["status"])
	require.Equal(t, "INVESTIGATING", prior[0].After["status"])
	require.Equal(t, "INVESTIGATING", prior[1].Before["status"])
	require.Equal(t, "RESOLVED", prior[1].After["status"])

	_ = repo
}

func TestReplayReconstructsLiveState(t *testing.T) {
	svc, repo, _ := testService(t)
	rec := createTestRecon(t, svc, "0.00")
	out, err := svc.RunMatching(context.Background(), rec.ID,
		[]match.LedgerEntry{
			ledgerItem("L1", "10.00", 2, "pix recebido"),
			ledgerItem("L2", "35.50", 4, "boleto fornecedor"),
		},
		[]match.StatementLine{
			statementItem("S1", "10.00", 2, "pix recebido"),
			statementItem("S2", "80.00", 5, "tarifa"),
		},
		match.DefaultConfig())
	require.NoError(t, err)

	// Base state is what matching surfaced, before any treatment.
	base := ReplayState{
		Transactions: make(map[uuid.UUID]Transaction),
		Divergences:  make(map[uuid.UUID]Divergence),
	}
	for _, tx := range out.Transactions {
		base.Transactions[tx.ID] = tx
	}
	for _, d := range out.Divergences {
		base.Divergences[d.ID] = d
	}

	adjust := amt("80.00")
	inputs := []TreatmentInput{
		{ReconciliationID: rec.ID, TargetID: out.Transactions[0].ID, Action: ActionApprove, Observation: "ok", Actor: "ana"},
		{ReconciliationID: rec.ID, TargetID: out.Transactions[1].ID, Action: ActionReject, Observation: "nao confere", Actor: "ana"},
		{ReconciliationID: rec.ID, TargetID: out.Divergences[0].ID, Action: ActionMarkDuplicate, Observation: "duplicado", Actor: "bia"},
		{ReconciliationID: rec.ID, TargetID: out.Divergences[1].ID, Action: ActionAdjustValue, Observation: "tarifa lancada", AdjustedValue: &adjust, Actor: "bia"},
	}
	for _, in := range inputs {
		_, err := svc.ApplyTreatment(context.Background(), in)
		require.NoError(t, err)
	}

	entries, err := svc.Treatments(context.Background(), rec.ID)
	require.NoError(t, err)
	replayed := Replay(base, entries)

	liveTxs, err := repo.ListTransactions(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, replayed.Transactions, len(liveTxs))
	for _, live := range liveTxs {
		require.Equal(t, live, replayed.Transactions[live.ID])
	}

	liveDivs, err := repo.ListDivergences(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, replayed.Divergences, len(liveDivs))
	for _, live := range liveDivs {
		require.Equal(t, live, replayed.Divergences[live.ID])
	}
}

func TestReplayRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	actions := []TreatmentAction{ActionApprove, ActionReject, ActionMarkDuplicate, ActionAdjustValue, ActionRequestClarification}

	for iter := 0; iter < 50; iter++ {
		svc, repo, _ := testService(t)
		rec := createTestRecon(t, svc, "0.00")

		var entries []match.LedgerEntry
		var lines []match.StatementLine
		for i := 0; i < 3+rng.Intn(4); i++ {
			amount := decimal.NewFromInt(int64(1 + rng.Intn(500))).Div(decimal.NewFromInt(10))
			entries = append(entries, match.LedgerEntry{
				SourceID: "L" + string(rune('A'+i)), Date: day(1 + rng.Intn(28)),
				Amount: amount, Description: "item",
			})
		}
		for i := 0; i < 3+rng.Intn(4); i++ {
			amount := decimal.NewFromInt(int64(1 + rng.Intn(500))).Div(decimal.NewFromInt(10))
			lines = append(lines, match.StatementLine{
				SourceID: "S" + string(rune('A'+i)), Date: day(1 + rng.Intn(28)),
				Amount: amount, Description: "item",
			})
		}

		out, err := svc.RunMatching(context.Background(), rec.ID, entries, lines, match.DefaultConfig())
		require.NoError(t, err)

		base := ReplayState{
			Transactions: make(map[uuid.UUID]Transaction),
			Divergences:  make(map[uuid.UUID]Divergence),
		}
		for _, tx := range out.Transactions {
			base.Transactions[tx.ID] = tx
		}
		for _, d := range out.Divergences {
			base.Divergences[d.ID] = d
		}

		for i := 0; i < 8; i++ {
			action := actions[rng.Intn(len(actions))]
			in := TreatmentInput{
				ReconciliationID: rec.ID,
				Action:           action,
				Observation:      "obs",
				Actor:            "op",
			}
			switch action {
			case ActionApprove, ActionReject:
				if len(out.Transactions) == 0 {
					continue
				}
				in.TargetID = out.Transactions[rng.Intn(len(out.Transactions))].ID
			default:
				if len(out.Divergences) == 0 {
					continue
				}
				in.TargetID = out.Divergences[rng.Intn(len(out.Divergences))].ID
				if action == ActionAdjustValue {
					v := decimal.NewFromInt(int64(rng.Intn(100) - 50))
					in.AdjustedValue = &v
				}
			}
			// Already-resolved targets reject further mutation; skip those.
			if _, err := svc.ApplyTreatment(context.Background(), in); err != nil {
				require.ErrorIs(t, err, ErrInvalidInput)
			}
		}

		history, err := svc.Treatments(context.Background(), rec.ID)
		require.NoError(t, err)
		replayed := Replay(base, history)

		liveTxs, err := repo.ListTransactions(context.Background(), rec.ID)
		require.NoError(t, err)
		require.Len(t, replayed.Transactions, len(liveTxs))
		for _, live := range liveTxs {
			require.Equal(t, live, replayed.Transactions[live.ID])
		}
		liveDivs, err := repo.ListDivergences(context.Background(), rec.ID)
		require.NoError(t, err)
		for _, live := range liveDivs {
			require.Equal(t, live, replayed.Divergences[live.ID])
		}
	}
}

func TestApplyTreatmentRejectsResolvedDivergence(t *testing.T) {
	svc, _, _ := testService(t)
	rec := createTestRecon(t, svc, "0.00")
	out, err := svc.RunMatching(context.Background(), rec.ID,
		[]match.LedgerEntry{ledgerItem("L1", "10.00", 2, "x")},
		nil, match.DefaultConfig())
	require.NoError(t, err)

	in := TreatmentInput{
		ReconciliationID: rec.ID, TargetID: out.Divergences[0].ID,
		Action: ActionMarkDuplicate, Observation: "duplicado", Actor: "ana",
	}
	_, err = svc.ApplyTreatment(context.Background(), in)
	require.NoError(t, err)
	_, err = svc.ApplyTreatment(context.Background(), in)
	require.ErrorIs(t, err, ErrInvalidInput)
}
