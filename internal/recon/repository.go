package recon

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows reconciliation listings.
type ListFilter struct {
	ClientID uuid.UUID
	Status   Status
	Period   string
	Limit    int
	Offset   int
}

// Repository abstracts persistence for the reconciliation core. The core
// expects CRUD only; no business logic lives behind it.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error

	GetReconciliation(ctx context.Context, id uuid.UUID) (Reconciliation, error)
	ListReconciliations(ctx context.Context, filter ListFilter) ([]Reconciliation, int, error)
	ListTransactions(ctx context.Context, reconciliationID uuid.UUID) ([]Transaction, error)
	ListDivergences(ctx context.Context, reconciliationID uuid.UUID) ([]Divergence, error)
	ListTreatments(ctx context.Context, reconciliationID uuid.UUID) ([]TreatmentEntry, error)
}

// TxRepository exposes the write operations available inside a transaction.
type TxRepository interface {
	CreateReconciliation(ctx context.Context, rec Reconciliation) error
	GetReconciliationForUpdate(ctx context.Context, id uuid.UUID) (Reconciliation, error)
	UpdateReconciliation(ctx context.Context, rec Reconciliation) error

	InsertTransactions(ctx context.Context, txs []Transaction) error
	UpdateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error)
	ListTransactions(ctx context.Context, reconciliationID uuid.UUID) ([]Transaction, error)

	InsertDivergences(ctx context.Context, divs []Divergence) error
	UpdateDivergence(ctx context.Context, div Divergence) error
	GetDivergence(ctx context.Context, id uuid.UUID) (Divergence, error)
	ListDivergences(ctx context.Context, reconciliationID uuid.UUID) ([]Divergence, error)

	AppendTreatment(ctx context.Context, entry TreatmentEntry) error
}

// Locker serializes writers per reconciliation id. Acquire blocks up to the
// configured wait budget and returns ErrConcurrentModification past it.
type Locker interface {
	Acquire(ctx context.Context, reconciliationID uuid.UUID) (release func(), err error)
}
