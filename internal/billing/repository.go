package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository defines read access to the billing ledgers.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	ListAllocations(ctx context.Context, invoiceID uuid.UUID) ([]Allocation, error)
	GetDraw(ctx context.Context, id uuid.UUID) (Draw, error)
	ListDraws(ctx context.Context, jobID uuid.UUID) ([]Draw, error)
	ListDrawAllocations(ctx context.Context, drawID uuid.UUID) ([]DrawAllocation, error)
	ListBudgetLines(ctx context.Context, jobID uuid.UUID) ([]BudgetLine, error)
}

// TxRepository defines the writes available inside one financial operation.
// Every operation runs in a single transaction: partial application is a
// correctness bug, not an acceptable eventual state.
type TxRepository interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice) error
	ListAllocations(ctx context.Context, invoiceID uuid.UUID) ([]Allocation, error)
	ReplaceAllocations(ctx context.Context, invoiceID uuid.UUID, allocations []Allocation) error
	RecomputeChangeOrderInvoiced(ctx context.Context, changeOrderID uuid.UUID) error

	GetDraw(ctx context.Context, id uuid.UUID) (Draw, error)
	CreateDraw(ctx context.Context, draw Draw) error
	UpdateDraw(ctx context.Context, draw Draw) error
	CountDraftDraws(ctx context.Context, jobID uuid.UUID) (int, error)
	NextDrawNumber(ctx context.Context, jobID uuid.UUID) (int, error)

	CreateDrawAllocations(ctx context.Context, allocations []DrawAllocation) error
	DeleteDrawAllocations(ctx context.Context, drawID, invoiceID uuid.UUID) error
	ListDrawAllocations(ctx context.Context, drawID uuid.UUID) ([]DrawAllocation, error)
	ListDrawInvoiceIDs(ctx context.Context, drawID uuid.UUID) ([]uuid.UUID, error)
	SumDrawAllocationsForInvoice(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)
	CreateDrawChangeOrder(ctx context.Context, dco DrawChangeOrder) error
	SumDrawChangeOrders(ctx context.Context, drawID uuid.UUID) (decimal.Decimal, error)

	ListPOLines(ctx context.Context, poID uuid.UUID) ([]POLineItem, error)
	AdjustPOLineInvoiced(ctx context.Context, lineID uuid.UUID, delta decimal.Decimal) error

	ListRollupAllocations(ctx context.Context, jobID uuid.UUID) ([]RollupAllocation, error)
	ListRollupPOLines(ctx context.Context, jobID uuid.UUID) ([]RollupPOLine, error)
	ListBudgetLines(ctx context.Context, jobID uuid.UUID) ([]BudgetLine, error)
	UpsertBudgetLine(ctx context.Context, line BudgetLine) error
}
