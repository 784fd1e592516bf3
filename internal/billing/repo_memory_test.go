package billing

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

// memoryRepo backs service tests without Postgres.
type memoryRepo struct {
	invoices         map[uuid.UUID]Invoice
	allocations      map[uuid.UUID][]Allocation
	draws            map[uuid.UUID]Draw
	drawAllocations  []DrawAllocation
	drawChangeOrders []DrawChangeOrder
	budgetLines      map[string]BudgetLine
	purchaseOrders   map[uuid.UUID]PurchaseOrder
	poLines          map[uuid.UUID][]POLineItem
	changeOrders     map[uuid.UUID]ChangeOrder
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices:       make(map[uuid.UUID]Invoice),
		allocations:    make(map[uuid.UUID][]Allocation),
		draws:          make(map[uuid.UUID]Draw),
		budgetLines:    make(map[string]BudgetLine),
		purchaseOrders: make(map[uuid.UUID]PurchaseOrder),
		poLines:        make(map[uuid.UUID][]POLineItem),
		changeOrders:   make(map[uuid.UUID]ChangeOrder),
	}
}

func budgetKey(jobID, costCodeID uuid.UUID) string {
	return jobID.String() + "|" + costCodeID.String()
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return (&memoryTx{repo: r}).GetInvoice(ctx, id)
}

func (r *memoryRepo) ListAllocations(ctx context.Context, invoiceID uuid.UUID) ([]Allocation, error) {
	return (&memoryTx{repo: r}).ListAllocations(ctx, invoiceID)
}

func (r *memoryRepo) GetDraw(ctx context.Context, id uuid.UUID) (Draw, error) {
	return (&memoryTx{repo: r}).GetDraw(ctx, id)
}

func (r *memoryRepo) ListDraws(ctx context.Context, jobID uuid.UUID) ([]Draw, error) {
	var out []Draw
	for _, d := range r.draws {
		if d.JobID == jobID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DrawNumber < out[j].DrawNumber })
	return out, nil
}

func (r *memoryRepo) ListDrawAllocations(ctx context.Context, drawID uuid.UUID) ([]DrawAllocation, error) {
	return (&memoryTx{repo: r}).ListDrawAllocations(ctx, drawID)
}

func (r *memoryRepo) ListBudgetLines(ctx context.Context, jobID uuid.UUID) ([]BudgetLine, error) {
	return (&memoryTx{repo: r}).ListBudgetLines(ctx, jobID)
}

func (t *memoryTx) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok || inv.DeletedAt != nil {
		return Invoice{}, fmt.Errorf("%w: invoice %s", shared.ErrNotFound, id)
	}
	return inv, nil
}

func (t *memoryTx) UpdateInvoice(ctx context.Context, inv Invoice) error {
	if _, ok := t.repo.invoices[inv.ID]; !ok {
		return fmt.Errorf("%w: invoice %s", shared.ErrNotFound, inv.ID)
	}
	t.repo.invoices[inv.ID] = inv
	return nil
}

func (t *memoryTx) ListAllocations(ctx context.Context, invoiceID uuid.UUID) ([]Allocation, error) {
	return append([]Allocation(nil), t.repo.allocations[invoiceID]...), nil
}

func (t *memoryTx) ReplaceAllocations(ctx context.Context, invoiceID uuid.UUID, allocations []Allocation) error {
	t.repo.allocations[invoiceID] = append([]Allocation(nil), allocations...)
	return nil
}

func (t *memoryTx) RecomputeChangeOrderInvoiced(ctx context.Context, changeOrderID uuid.UUID) error {
	sum := decimal.Zero
	for _, allocs := range t.repo.allocations {
		for _, a := range allocs {
			if a.ChangeOrderID != nil && *a.ChangeOrderID == changeOrderID {
				sum = sum.Add(a.Amount)
			}
		}
	}
	co := t.repo.changeOrders[changeOrderID]
	co.ID = changeOrderID
	co.InvoicedAmount = sum
	t.repo.changeOrders[changeOrderID] = co
	return nil
}

func (t *memoryTx) GetDraw(ctx context.Context, id uuid.UUID) (Draw, error) {
	draw, ok := t.repo.draws[id]
	if !ok {
		return Draw{}, fmt.Errorf("%w: draw %s", shared.ErrNotFound, id)
	}
	return draw, nil
}

func (t *memoryTx) CreateDraw(ctx context.Context, draw Draw) error {
	t.repo.draws[draw.ID] = draw
	return nil
}

func (t *memoryTx) UpdateDraw(ctx context.Context, draw Draw) error {
	if _, ok := t.repo.draws[draw.ID]; !ok {
		return fmt.Errorf("%w: draw %s", shared.ErrNotFound, draw.ID)
	}
	t.repo.draws[draw.ID] = draw
	return nil
}

func (t *memoryTx) CountDraftDraws(ctx context.Context, jobID uuid.UUID) (int, error) {
	count := 0
	for _, d := range t.repo.draws {
		if d.JobID == jobID && d.Status == DrawDraft {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) NextDrawNumber(ctx context.Context, jobID uuid.UUID) (int, error) {
	max := 0
	for _, d := range t.repo.draws {
		if d.JobID == jobID && d.DrawNumber > max {
			max = d.DrawNumber
		}
	}
	return max + 1, nil
}

func (t *memoryTx) CreateDrawAllocations(ctx context.Context, allocations []DrawAllocation) error {
	for _, a := range allocations {
		for _, existing := range t.repo.drawAllocations {
			if existing.DrawID == a.DrawID && existing.InvoiceID == a.InvoiceID && existing.CostCodeID == a.CostCodeID {
				return fmt.Errorf("%w: duplicate draw allocation", shared.ErrConflict)
			}
		}
		t.repo.drawAllocations = append(t.repo.drawAllocations, a)
	}
	return nil
}

func (t *memoryTx) DeleteDrawAllocations(ctx context.Context, drawID, invoiceID uuid.UUID) error {
	kept := t.repo.drawAllocations[:0]
	for _, a := range t.repo.drawAllocations {
		if a.DrawID == drawID && a.InvoiceID == invoiceID {
			continue
		}
		kept = append(kept, a)
	}
	t.repo.drawAllocations = kept
	return nil
}

func (t *memoryTx) ListDrawAllocations(ctx context.Context, drawID uuid.UUID) ([]DrawAllocation, error) {
	var out []DrawAllocation
	for _, a := range t.repo.drawAllocations {
		if a.DrawID == drawID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memoryTx) ListDrawInvoiceIDs(ctx context.Context, drawID uuid.UUID) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]struct{}{}
	var ids []uuid.UUID
	for _, a := range t.repo.drawAllocations {
		if a.DrawID != drawID {
			continue
		}
		if _, ok := seen[a.InvoiceID]; ok {
			continue
		}
		seen[a.InvoiceID] = struct{}{}
		ids = append(ids, a.InvoiceID)
	}
	return ids, nil
}

func (t *memoryTx) SumDrawAllocationsForInvoice(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, a := range t.repo.drawAllocations {
		if a.InvoiceID == invoiceID {
			sum = sum.Add(a.Amount)
		}
	}
	return sum, nil
}

func (t *memoryTx) CreateDrawChangeOrder(ctx context.Context, dco DrawChangeOrder) error {
	for _, existing := range t.repo.drawChangeOrders {
		if existing.DrawID == dco.DrawID && existing.ChangeOrderID == dco.ChangeOrderID {
			return fmt.Errorf("%w: change order already on draw", shared.ErrConflict)
		}
	}
	t.repo.drawChangeOrders = append(t.repo.drawChangeOrders, dco)
	return nil
}

func (t *memoryTx) SumDrawChangeOrders(ctx context.Context, drawID uuid.UUID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, dco := range t.repo.drawChangeOrders {
		if dco.DrawID == drawID {
			sum = sum.Add(dco.Amount)
		}
	}
	return sum, nil
}

func (t *memoryTx) ListPOLines(ctx context.Context, poID uuid.UUID) ([]POLineItem, error) {
	return append([]POLineItem(nil), t.repo.poLines[poID]...), nil
}

func (t *memoryTx) AdjustPOLineInvoiced(ctx context.Context, lineID uuid.UUID, delta decimal.Decimal) error {
	for poID, lines := range t.repo.poLines {
		for i, l := range lines {
			if l.ID != lineID {
				continue
			}
			next := l.InvoicedAmount.Add(delta)
			if next.IsNegative() {
				next = decimal.Zero
			}
			lines[i].InvoicedAmount = next
			t.repo.poLines[poID] = lines
			return nil
		}
	}
	return fmt.Errorf("%w: po line %s", shared.ErrNotFound, lineID)
}

func (t *memoryTx) ListRollupAllocations(ctx context.Context, jobID uuid.UUID) ([]RollupAllocation, error) {
	var out []RollupAllocation
	for invoiceID, allocs := range t.repo.allocations {
		inv, ok := t.repo.invoices[invoiceID]
		if !ok || inv.JobID != jobID || inv.DeletedAt != nil {
			continue
		}
		for _, a := range allocs {
			out = append(out, RollupAllocation{
				CostCodeID: a.CostCodeID,
				Amount:     a.Amount,
				Status:     inv.Status,
				HasPO:      inv.POID != nil,
			})
		}
	}
	return out, nil
}

func (t *memoryTx) ListRollupPOLines(ctx context.Context, jobID uuid.UUID) ([]RollupPOLine, error) {
	var out []RollupPOLine
	for poID, lines := range t.repo.poLines {
		po, ok := t.repo.purchaseOrders[poID]
		if !ok || po.JobID != jobID {
			continue
		}
		for _, l := range lines {
			out = append(out, RollupPOLine{CostCodeID: l.CostCodeID, Amount: l.Amount, Status: po.Status})
		}
	}
	return out, nil
}

func (t *memoryTx) ListBudgetLines(ctx context.Context, jobID uuid.UUID) ([]BudgetLine, error) {
	var out []BudgetLine
	for _, l := range t.repo.budgetLines {
		if l.JobID == jobID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CostCodeID.String() < out[j].CostCodeID.String()
	})
	return out, nil
}

func (t *memoryTx) UpsertBudgetLine(ctx context.Context, line BudgetLine) error {
	key := budgetKey(line.JobID, line.CostCodeID)
	if existing, ok := t.repo.budgetLines[key]; ok {
		existing.CommittedAmount = line.CommittedAmount
		existing.BilledAmount = line.BilledAmount
		existing.PaidAmount = line.PaidAmount
		existing.BilledUncommitted = line.BilledUncommitted
		t.repo.budgetLines[key] = existing
		return nil
	}
	t.repo.budgetLines[key] = line
	return nil
}
