package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/platform/db"
	"github.com/drawline-erp/drawline-erp/internal/shared"
)

// Ensure implementation
var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgRepository struct {
	pool *pgxpool.Pool
	core pgCore
}

type pgTxRepository struct {
	core pgCore
}

// NewRepository constructs the Postgres-backed billing repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool, core: pgCore{q: pool}}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{core: pgCore{q: tx}})
	})
}

func (r *pgRepository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return r.core.getInvoice(ctx, id)
}

func (r *pgRepository) ListAllocations(ctx context.Context, invoiceID uuid.UUID) ([]Allocation, error) {
	return r.core.listAllocations(ctx, invoiceID)
}

func (r *pgRepository) GetDraw(ctx context.Context, id uuid.UUID) (Draw, error) {
	return r.core.getDraw(ctx, id)
}

func (r *pgRepository) ListDraws(ctx context.Context, jobID uuid.UUID) ([]Draw, error) {
	return r.core.listDraws(ctx, jobID)
}

func (r *pgRepository) ListDrawAllocations(ctx context.Context, drawID uuid.UUID) ([]DrawAllocation, error) {
	return r.core.listDrawAllocations(ctx, drawID)
}

func (r *pgRepository) ListBudgetLines(ctx context.Context, jobID uuid.UUID) ([]BudgetLine, error) {
	return r.core.listBudgetLines(ctx, jobID)
}

func (t *pgTxRepository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return t.core.getInvoice(ctx, id)
}

func (t *pgTxRepository) UpdateInvoice(ctx context.Context, inv Invoice) error {
	const query = `
UPDATE invoices SET
	status = $2,
	billed_amount = $3,
	paid_amount = $4,
	first_draw_id = $5,
	fully_billed_at = $6,
	approved_at = $7,
	approved_by = $8,
	denied_at = $9,
	denial_reason = $10,
	updated_at = $11
WHERE id = $1 AND deleted_at IS NULL`
	tag, err := t.core.q.Exec(ctx, query,
		inv.ID, string(inv.Status), inv.BilledAmount.StringFixed(2), inv.PaidAmount.StringFixed(2),
		inv.FirstDrawID, inv.FullyBilledAt, inv.ApprovedAt, inv.ApprovedBy,
		inv.DeniedAt, inv.DenialReason, inv.UpdatedAt)
	if err != nil {
		return wrapPersistence("update invoice", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %s", shared.ErrNotFound, inv.ID)
	}
	return nil
}

func (t *pgTxRepository) ListAllocations(ctx context.Context, invoiceID uuid.UUID) ([]Allocation, error) {
	return t.core.listAllocations(ctx, invoiceID)
}

func (t *pgTxRepository) ReplaceAllocations(ctx context.Context, invoiceID uuid.UUID, allocations []Allocation) error {
	if _, err := t.core.q.Exec(ctx, `DELETE FROM allocations WHERE invoice_id = $1`, invoiceID); err != nil {
		return wrapPersistence("clear allocations", err)
	}
	const insert = `
INSERT INTO allocations (id, invoice_id, cost_code_id, amount, change_order_id)
VALUES ($1, $2, $3, $4, $5)`
	for _, a := range allocations {
		if _, err := t.core.q.Exec(ctx, insert,
			a.ID, invoiceID, a.CostCodeID, a.Amount.StringFixed(2), a.ChangeOrderID); err != nil {
			return wrapPersistence("insert allocation", err)
		}
	}
	return nil
}

func (t *pgTxRepository) RecomputeChangeOrderInvoiced(ctx context.Context, changeOrderID uuid.UUID) error {
	const query = `
UPDATE change_orders co SET invoiced_amount = COALESCE(
	(SELECT SUM(a.amount) FROM allocations a WHERE a.change_order_id = co.id), 0)
WHERE co.id = $1`
	if _, err := t.core.q.Exec(ctx, query, changeOrderID); err != nil {
		return wrapPersistence("recompute change order", err)
	}
	return nil
}

func (t *pgTxRepository) GetDraw(ctx context.Context, id uuid.UUID) (Draw, error) {
	return t.core.getDraw(ctx, id)
}

func (t *pgTxRepository) CreateDraw(ctx context.Context, draw Draw) error {
	const query = `
INSERT INTO draws (id, job_id, draw_number, status, total_amount, is_current_draft, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := t.core.q.Exec(ctx, query,
		draw.ID, draw.JobID, draw.DrawNumber, string(draw.Status),
		draw.TotalAmount.StringFixed(2), draw.IsCurrentDraft, draw.CreatedAt, draw.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: job already has a draft draw", shared.ErrConflict)
	}
	if err != nil {
		return wrapPersistence("create draw", err)
	}
	return nil
}

func (t *pgTxRepository) UpdateDraw(ctx context.Context, draw Draw) error {
	const query = `
UPDATE draws SET
	status = $2,
	total_amount = $3,
	is_current_draft = $4,
	locked_at = $5,
	funded_amount = $6,
	updated_at = $7
WHERE id = $1`
	var funded any
	if draw.FundedAmount != nil {
		funded = draw.FundedAmount.StringFixed(2)
	}
	tag, err := t.core.q.Exec(ctx, query,
		draw.ID, string(draw.Status), draw.TotalAmount.StringFixed(2),
		draw.IsCurrentDraft, draw.LockedAt, funded, draw.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: job already has a draft draw", shared.ErrConflict)
	}
	if err != nil {
		return wrapPersistence("update draw", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: draw %s", shared.ErrNotFound, draw.ID)
	}
	return nil
}

func (t *pgTxRepository) CountDraftDraws(ctx context.Context, jobID uuid.UUID) (int, error) {
	var count int
	err := t.core.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM draws WHERE job_id = $1 AND status = 'DRAFT'`, jobID).Scan(&count)
	if err != nil {
		return 0, wrapPersistence("count draft draws", err)
	}
	return count, nil
}

func (t *pgTxRepository) NextDrawNumber(ctx context.Context, jobID uuid.UUID) (int, error) {
	var next int
	err := t.core.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(draw_number), 0) + 1 FROM draws WHERE job_id = $1`, jobID).Scan(&next)
	if err != nil {
		return 0, wrapPersistence("next draw number", err)
	}
	return next, nil
}

func (t *pgTxRepository) CreateDrawAllocations(ctx context.Context, allocations []DrawAllocation) error {
	const query = `
INSERT INTO draw_allocations (draw_id, invoice_id, cost_code_id, amount)
VALUES ($1, $2, $3, $4)`
	for _, a := range allocations {
		_, err := t.core.q.Exec(ctx, query, a.DrawID, a.InvoiceID, a.CostCodeID, a.Amount.StringFixed(2))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: invoice %s already sliced on draw %s for cost code %s",
				shared.ErrConflict, a.InvoiceID, a.DrawID, a.CostCodeID)
		}
		if err != nil {
			return wrapPersistence("insert draw allocation", err)
		}
	}
	return nil
}

func (t *pgTxRepository) DeleteDrawAllocations(ctx context.Context, drawID, invoiceID uuid.UUID) error {
	_, err := t.core.q.Exec(ctx,
		`DELETE FROM draw_allocations WHERE draw_id = $1 AND invoice_id = $2`, drawID, invoiceID)
	if err != nil {
		return wrapPersistence("delete draw allocations", err)
	}
	return nil
}

func (t *pgTxRepository) ListDrawAllocations(ctx context.Context, drawID uuid.UUID) ([]DrawAllocation, error) {
	return t.core.listDrawAllocations(ctx, drawID)
}

func (t *pgTxRepository) ListDrawInvoiceIDs(ctx context.Context, drawID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := t.core.q.Query(ctx,
		`SELECT DISTINCT invoice_id FROM draw_allocations WHERE draw_id = $1 ORDER BY invoice_id`, drawID)
	if err != nil {
		return nil, wrapPersistence("list draw invoices", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, wrapPersistence("scan draw invoice id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTxRepository) SumDrawAllocationsForInvoice(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var raw string
	err := t.core.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM draw_allocations WHERE invoice_id = $1`, invoiceID).Scan(&raw)
	if err != nil {
		return decimal.Zero, wrapPersistence("sum invoice draw slices", err)
	}
	return decimal.NewFromString(raw)
}

func (t *pgTxRepository) CreateDrawChangeOrder(ctx context.Context, dco DrawChangeOrder) error {
	const query = `
INSERT INTO draw_change_orders (draw_id, change_order_id, amount)
VALUES ($1, $2, $3)`
	_, err := t.core.q.Exec(ctx, query, dco.DrawID, dco.ChangeOrderID, dco.Amount.StringFixed(2))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: change order %s already on draw %s", shared.ErrConflict, dco.ChangeOrderID, dco.DrawID)
	}
	if err != nil {
		return wrapPersistence("insert draw change order", err)
	}
	return nil
}

func (t *pgTxRepository) SumDrawChangeOrders(ctx context.Context, drawID uuid.UUID) (decimal.Decimal, error) {
	var raw string
	err := t.core.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM draw_change_orders WHERE draw_id = $1`, drawID).Scan(&raw)
	if err != nil {
		return decimal.Zero, wrapPersistence("sum draw change orders", err)
	}
	return decimal.NewFromString(raw)
}

func (t *pgTxRepository) ListPOLines(ctx context.Context, poID uuid.UUID) ([]POLineItem, error) {
	const query = `
SELECT id, po_id, cost_code_id, amount::text, invoiced_amount::text
FROM po_line_items
WHERE po_id = $1
ORDER BY cost_code_id`
	rows, err := t.core.q.Query(ctx, query, poID)
	if err != nil {
		return nil, wrapPersistence("list po lines", err)
	}
	defer rows.Close()
	var lines []POLineItem
	for rows.Next() {
		var l POLineItem
		var amount, invoiced string
		if err := rows.Scan(&l.ID, &l.POID, &l.CostCodeID, &amount, &invoiced); err != nil {
			return nil, wrapPersistence("scan po line", err)
		}
		if l.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if l.InvoicedAmount, err = decimal.NewFromString(invoiced); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (t *pgTxRepository) AdjustPOLineInvoiced(ctx context.Context, lineID uuid.UUID, delta decimal.Decimal) error {
	// Floor at zero: reversals never drive the invoiced figure negative.
	const query = `
UPDATE po_line_items SET invoiced_amount = GREATEST(invoiced_amount + $2, 0)
WHERE id = $1`
	tag, err := t.core.q.Exec(ctx, query, lineID, delta.StringFixed(2))
	if err != nil {
		return wrapPersistence("adjust po line", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: po line %s", shared.ErrNotFound, lineID)
	}
	return nil
}

func (t *pgTxRepository) ListRollupAllocations(ctx context.Context, jobID uuid.UUID) ([]RollupAllocation, error) {
	const query = `
SELECT a.cost_code_id, a.amount::text, i.status, i.po_id IS NOT NULL
FROM allocations a
JOIN invoices i ON i.id = a.invoice_id
WHERE i.job_id = $1 AND i.deleted_at IS NULL`
	rows, err := t.core.q.Query(ctx, query, jobID)
	if err != nil {
		return nil, wrapPersistence("list rollup allocations", err)
	}
	defer rows.Close()
	var out []RollupAllocation
	for rows.Next() {
		var ra RollupAllocation
		var amount, status string
		if err := rows.Scan(&ra.CostCodeID, &amount, &status, &ra.HasPO); err != nil {
			return nil, wrapPersistence("scan rollup allocation", err)
		}
		if ra.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		ra.Status = InvoiceStatus(status)
		out = append(out, ra)
	}
	return out, rows.Err()
}

func (t *pgTxRepository) ListRollupPOLines(ctx context.Context, jobID uuid.UUID) ([]RollupPOLine, error) {
	const query = `
SELECT l.cost_code_id, l.amount::text, p.status
FROM po_line_items l
JOIN purchase_orders p ON p.id = l.po_id
WHERE p.job_id = $1`
	rows, err := t.core.q.Query(ctx, query, jobID)
	if err != nil {
		return nil, wrapPersistence("list rollup po lines", err)
	}
	defer rows.Close()
	var out []RollupPOLine
	for rows.Next() {
		var rp RollupPOLine
		var amount, status string
		if err := rows.Scan(&rp.CostCodeID, &amount, &status); err != nil {
			return nil, wrapPersistence("scan rollup po line", err)
		}
		if rp.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		rp.Status = POStatus(status)
		out = append(out, rp)
	}
	return out, rows.Err()
}

func (t *pgTxRepository) ListBudgetLines(ctx context.Context, jobID uuid.UUID) ([]BudgetLine, error) {
	return t.core.listBudgetLines(ctx, jobID)
}

func (t *pgTxRepository) UpsertBudgetLine(ctx context.Context, line BudgetLine) error {
	const query = `
INSERT INTO budget_lines (job_id, cost_code_id, budgeted_amount, committed_amount, billed_amount, paid_amount, billed_uncommitted)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (job_id, cost_code_id) DO UPDATE SET
	committed_amount = EXCLUDED.committed_amount,
	billed_amount = EXCLUDED.billed_amount,
	paid_amount = EXCLUDED.paid_amount,
	billed_uncommitted = EXCLUDED.billed_uncommitted`
	_, err := t.core.q.Exec(ctx, query,
		line.JobID, line.CostCodeID, line.BudgetedAmount.StringFixed(2),
		line.CommittedAmount.StringFixed(2), line.BilledAmount.StringFixed(2),
		line.PaidAmount.StringFixed(2), line.BilledUncommitted.StringFixed(2))
	if err != nil {
		return wrapPersistence("upsert budget line", err)
	}
	return nil
}

// --- shared query core ---

type pgCore struct {
	q querier
}

const invoiceColumns = `
id, job_id, vendor_id, po_id, amount::text, status, billed_amount::text, paid_amount::text,
first_draw_id, fully_billed_at, approved_at, approved_by, denied_at, denial_reason,
is_split_parent, review_flags, deleted_at, created_at, updated_at`

func (c pgCore) getInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 AND deleted_at IS NULL`
	row := c.q.QueryRow(ctx, query, id)
	var inv Invoice
	var amount, billed, paid string
	err := row.Scan(&inv.ID, &inv.JobID, &inv.VendorID, &inv.POID, &amount, &inv.Status,
		&billed, &paid, &inv.FirstDrawID, &inv.FullyBilledAt, &inv.ApprovedAt, &inv.ApprovedBy,
		&inv.DeniedAt, &inv.DenialReason, &inv.IsSplitParent, &inv.ReviewFlags,
		&inv.DeletedAt, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, fmt.Errorf("%w: invoice %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return Invoice{}, wrapPersistence("get invoice", err)
	}
	if inv.Amount, err = decimal.NewFromString(amount); err != nil {
		return Invoice{}, err
	}
	if inv.BilledAmount, err = decimal.NewFromString(billed); err != nil {
		return Invoice{}, err
	}
	if inv.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (c pgCore) listAllocations(ctx context.Context, invoiceID uuid.UUID) ([]Allocation, error) {
	const query = `
SELECT id, invoice_id, cost_code_id, amount::text, change_order_id
FROM allocations
WHERE invoice_id = $1
ORDER BY cost_code_id`
	rows, err := c.q.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, wrapPersistence("list allocations", err)
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		var a Allocation
		var amount string
		if err := rows.Scan(&a.ID, &a.InvoiceID, &a.CostCodeID, &amount, &a.ChangeOrderID); err != nil {
			return nil, wrapPersistence("scan allocation", err)
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const drawColumns = `
id, job_id, draw_number, status, total_amount::text, is_current_draft, locked_at, funded_amount::text, created_at, updated_at`

func (c pgCore) scanDraw(row pgx.Row) (Draw, error) {
	var d Draw
	var total string
	var funded *string
	err := row.Scan(&d.ID, &d.JobID, &d.DrawNumber, &d.Status, &total,
		&d.IsCurrentDraft, &d.LockedAt, &funded, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Draw{}, err
	}
	if d.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return Draw{}, err
	}
	if funded != nil {
		amount, err := decimal.NewFromString(*funded)
		if err != nil {
			return Draw{}, err
		}
		d.FundedAmount = &amount
	}
	return d, nil
}

func (c pgCore) getDraw(ctx context.Context, id uuid.UUID) (Draw, error) {
	query := `SELECT ` + drawColumns + ` FROM draws WHERE id = $1`
	draw, err := c.scanDraw(c.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Draw{}, fmt.Errorf("%w: draw %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return Draw{}, wrapPersistence("get draw", err)
	}
	return draw, nil
}

func (c pgCore) listDraws(ctx context.Context, jobID uuid.UUID) ([]Draw, error) {
	query := `SELECT ` + drawColumns + ` FROM draws WHERE job_id = $1 ORDER BY draw_number`
	rows, err := c.q.Query(ctx, query, jobID)
	if err != nil {
		return nil, wrapPersistence("list draws", err)
	}
	defer rows.Close()
	var out []Draw
	for rows.Next() {
		draw, err := c.scanDraw(rows)
		if err != nil {
			return nil, wrapPersistence("scan draw", err)
		}
		out = append(out, draw)
	}
	return out, rows.Err()
}

func (c pgCore) listDrawAllocations(ctx context.Context, drawID uuid.UUID) ([]DrawAllocation, error) {
	const query = `
SELECT draw_id, invoice_id, cost_code_id, amount::text
FROM draw_allocations
WHERE draw_id = $1
ORDER BY invoice_id, cost_code_id`
	rows, err := c.q.Query(ctx, query, drawID)
	if err != nil {
		return nil, wrapPersistence("list draw allocations", err)
	}
	defer rows.Close()
	var out []DrawAllocation
	for rows.Next() {
		var da DrawAllocation
		var amount string
		if err := rows.Scan(&da.DrawID, &da.InvoiceID, &da.CostCodeID, &amount); err != nil {
			return nil, wrapPersistence("scan draw allocation", err)
		}
		if da.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, da)
	}
	return out, rows.Err()
}

func (c pgCore) listBudgetLines(ctx context.Context, jobID uuid.UUID) ([]BudgetLine, error) {
	const query = `
SELECT job_id, cost_code_id, budgeted_amount::text, committed_amount::text,
	billed_amount::text, paid_amount::text, billed_uncommitted::text, closed_at, closed_by
FROM budget_lines
WHERE job_id = $1
ORDER BY cost_code_id`
	rows, err := c.q.Query(ctx, query, jobID)
	if err != nil {
		return nil, wrapPersistence("list budget lines", err)
	}
	defer rows.Close()
	var out []BudgetLine
	for rows.Next() {
		var b BudgetLine
		raw := make([]string, 5)
		if err := rows.Scan(&b.JobID, &b.CostCodeID, &raw[0], &raw[1], &raw[2], &raw[3], &raw[4],
			&b.ClosedAt, &b.ClosedBy); err != nil {
			return nil, wrapPersistence("scan budget line", err)
		}
		fields := []*decimal.Decimal{
			&b.BudgetedAmount, &b.CommittedAmount, &b.BilledAmount, &b.PaidAmount, &b.BilledUncommitted,
		}
		for i, field := range fields {
			if *field, err = decimal.NewFromString(raw[i]); err != nil {
				return nil, err
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrapPersistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", shared.ErrPersistence, op, err)
}
