package reconhttp

import (
	"time"

	"github.com/google/uuid"

	"github.com/concilio/concilio/internal/recon"
)

type reconciliationView struct {
	ID            uuid.UUID  `json:"id"`
	ClientID      uuid.UUID  `json:"clientId"`
	Bank          string     `json:"bank"`
	Account       string     `json:"account"`
	Period        string     `json:"period"`
	StartBalance  string     `json:"startBalance"`
	EndBalance    *string    `json:"endBalance,omitempty"`
	BankBalance   string     `json:"bankBalance"`
	SystemBalance string     `json:"systemBalance"`
	Difference    string     `json:"difference"`
	Status        string     `json:"status"`
	Responsible   string     `json:"responsible"`
	StartDate     time.Time  `json:"startDate"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Observations  string     `json:"observations,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func toReconciliationView(rec recon.Reconciliation) reconciliationView {
	v := reconciliationView{
		ID:            rec.ID,
		ClientID:      rec.ClientID,
		Bank:          rec.Bank,
		Account:       rec.Account,
		Period:        rec.Period,
		StartBalance:  rec.StartBalance.String(),
		BankBalance:   rec.BankBalance.String(),
		SystemBalance: rec.SystemBalance.String(),
		Difference:    rec.Difference().String(),
		Status:        string(rec.Status),
		Responsible:   rec.Responsible,
		StartDate:     rec.StartDate,
		DueDate:       rec.DueDate,
		CompletedAt:   rec.CompletedAt,
		Observations:  rec.Observations,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.EndBalance != nil {
		s := rec.EndBalance.String()
		v.EndBalance = &s
	}
	return v
}

type transactionView struct {
	ID                  uuid.UUID  `json:"id"`
	Side                string     `json:"side"`
	SourceID            string     `json:"sourceId"`
	Date                time.Time  `json:"date"`
	Description         string     `json:"description"`
	Type                string     `json:"type"`
	Amount              string     `json:"amount"`
	Category            string     `json:"category,omitempty"`
	DocumentRef         string     `json:"documentRef,omitempty"`
	MatchStatus         string     `json:"matchStatus"`
	LinkedTransactionID *uuid.UUID `json:"linkedTransactionId,omitempty"`
}

func toTransactionView(tx recon.Transaction) transactionView {
	return transactionView{
		ID:                  tx.ID,
		Side:                string(tx.Side),
		SourceID:            tx.SourceID,
		Date:                tx.Date,
		Description:         tx.Description,
		Type:                string(tx.Type),
		Amount:              tx.Amount.String(),
		Category:            tx.Category,
		DocumentRef:         tx.DocumentRef,
		MatchStatus:         string(tx.MatchStatus),
		LinkedTransactionID: tx.LinkedTransactionID,
	}
}

type divergenceView struct {
	ID            uuid.UUID  `json:"id"`
	TransactionID *uuid.UUID `json:"transactionId,omitempty"`
	Kind          string     `json:"kind"`
	Date          time.Time  `json:"date"`
	Description   string     `json:"description"`
	ExpectedValue string     `json:"expectedValue"`
	ActualValue   string     `json:"actualValue"`
	Difference    string     `json:"difference"`
	Status        string     `json:"status"`
	Observation   string     `json:"observation,omitempty"`
	ResolvedBy    *string    `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

func toDivergenceView(d recon.Divergence) divergenceView {
	return divergenceView{
		ID:            d.ID,
		TransactionID: d.TransactionID,
		Kind:          string(d.Kind),
		Date:          d.Date,
		Description:   d.Description,
		ExpectedValue: d.ExpectedValue.String(),
		ActualValue:   d.ActualValue.String(),
		Difference:    d.Difference.String(),
		Status:        string(d.Status),
		Observation:   d.Observation,
		ResolvedBy:    d.ResolvedBy,
		ResolvedAt:    d.ResolvedAt,
	}
}

type treatmentView struct {
	ID            uuid.UUID      `json:"id"`
	TargetKind    string         `json:"targetKind"`
	TargetID      uuid.UUID      `json:"targetId"`
	Action        string         `json:"action"`
	Observation   string         `json:"observation"`
	AdjustedValue *string        `json:"adjustedValue,omitempty"`
	Actor         string         `json:"actor"`
	Before        map[string]any `json:"before"`
	After         map[string]any `json:"after"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func toTreatmentView(e recon.TreatmentEntry) treatmentView {
	v := treatmentView{
		ID:          e.ID,
		TargetKind:  string(e.TargetKind),
		TargetID:    e.TargetID,
		Action:      string(e.Action),
		Observation: e.Observation,
		Actor:       e.Actor,
		Before:      e.Before,
		After:       e.After,
		CreatedAt:   e.CreatedAt,
	}
	if e.AdjustedValue != nil {
		s := e.AdjustedValue.String()
		v.AdjustedValue = &s
	}
	return v
}

type matchOutcomeView struct {
	Reconciliation reconciliationView `json:"reconciliation"`
	Pairs          int                `json:"pairs"`
	Transactions   []transactionView  `json:"transactions"`
	Divergences    []divergenceView   `json:"divergences"`
	SkippedItems   int                `json:"skippedItems"`
}

func toMatchOutcomeView(out recon.MatchOutcome) matchOutcomeView {
	txs := make([]transactionView, 0, len(out.Transactions))
	for _, tx := range out.Transactions {
		txs = append(txs, toTransactionView(tx))
	}
	divs := make([]divergenceView, 0, len(out.Divergences))
	for _, d := range out.Divergences {
		divs = append(divs, toDivergenceView(d))
	}
	return matchOutcomeView{
		Reconciliation: toReconciliationView(out.Reconciliation),
		Pairs:          len(out.Pairs),
		Transactions:   txs,
		Divergences:    divs,
		SkippedItems:   out.SkippedItems,
	}
}
