package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/billing"
	"github.com/drawline-erp/drawline-erp/internal/platform/db"
	"github.com/drawline-erp/drawline-erp/internal/shared"
)

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the Postgres-backed reconciliation repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) ListJobIDs(ctx context.Context) ([]uuid.UUID, error) {
	const query = `SELECT DISTINCT job_id FROM invoices WHERE deleted_at IS NULL ORDER BY job_id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list job ids: %v", shared.ErrPersistence, err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan job id: %v", shared.ErrPersistence, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadJobLedger snapshots all billing ledgers for the job inside one
// repeatable-read transaction.
func (r *pgRepository) LoadJobLedger(ctx context.Context, jobID uuid.UUID) (JobLedger, error) {
	ledger := JobLedger{
		JobID:            jobID,
		Allocations:      make(map[uuid.UUID][]billing.Allocation),
		DrawAllocations:  make(map[uuid.UUID][]billing.DrawAllocation),
		DrawChangeOrders: make(map[uuid.UUID][]billing.DrawChangeOrder),
		POLines:          make(map[uuid.UUID][]billing.POLineItem),
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := loadInvoices(ctx, tx, &ledger); err != nil {
			return err
		}
		if err := loadDraws(ctx, tx, &ledger); err != nil {
			return err
		}
		if err := loadPurchaseOrders(ctx, tx, &ledger); err != nil {
			return err
		}
		return loadBudgetLines(ctx, tx, &ledger)
	})
	if err != nil {
		return JobLedger{}, err
	}
	return ledger, nil
}

func (r *pgRepository) SaveReport(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report.Findings)
	if err != nil {
		return err
	}
	const query = `
INSERT INTO reconcile_reports (job_id, status, findings, generated_at)
VALUES ($1, $2, $3, $4)`
	if _, err := r.pool.Exec(ctx, query, report.JobID, string(report.Status), payload, report.GeneratedAt); err != nil {
		return fmt.Errorf("%w: save report: %v", shared.ErrPersistence, err)
	}
	return nil
}

func (r *pgRepository) GetLatestReport(ctx context.Context, jobID uuid.UUID) (Report, error) {
	const query = `
SELECT job_id, status, findings, generated_at
FROM reconcile_reports
WHERE job_id = $1
ORDER BY generated_at DESC
LIMIT 1`
	var report Report
	var status string
	var payload []byte
	err := r.pool.QueryRow(ctx, query, jobID).Scan(&report.JobID, &status, &payload, &report.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Report{}, fmt.Errorf("%w: no report for job %s", shared.ErrNotFound, jobID)
	}
	if err != nil {
		return Report{}, fmt.Errorf("%w: get report: %v", shared.ErrPersistence, err)
	}
	report.Status = Severity(status)
	if err := json.Unmarshal(payload, &report.Findings); err != nil {
		return Report{}, err
	}
	return report, nil
}

func loadInvoices(ctx context.Context, tx pgx.Tx, ledger *JobLedger) error {
	const invoiceQuery = `
SELECT id, job_id, vendor_id, po_id, amount::text, status, billed_amount::text, paid_amount::text,
	first_draw_id, fully_billed_at, deleted_at
FROM invoices
WHERE job_id = $1`
	rows, err := tx.Query(ctx, invoiceQuery, ledger.JobID)
	if err != nil {
		return fmt.Errorf("%w: load invoices: %v", shared.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var inv billing.Invoice
		var amount, billed, paid string
		if err := rows.Scan(&inv.ID, &inv.JobID, &inv.VendorID, &inv.POID, &amount, &inv.Status,
			&billed, &paid, &inv.FirstDrawID, &inv.FullyBilledAt, &inv.DeletedAt); err != nil {
			return fmt.Errorf("%w: scan invoice: %v", shared.ErrPersistence, err)
		}
		if inv.Amount, err = decimal.NewFromString(amount); err != nil {
			return err
		}
		if inv.BilledAmount, err = decimal.NewFromString(billed); err != nil {
			return err
		}
		if inv.PaidAmount, err = decimal.NewFromString(paid); err != nil {
			return err
		}
		ledger.Invoices = append(ledger.Invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	const allocationQuery = `
SELECT a.id, a.invoice_id, a.cost_code_id, a.amount::text, a.change_order_id
FROM allocations a
JOIN invoices i ON i.id = a.invoice_id
WHERE i.job_id = $1`
	rows, err = tx.Query(ctx, allocationQuery, ledger.JobID)
	if err != nil {
		return fmt.Errorf("%w: load allocations: %v", shared.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a billing.Allocation
		var amount string
		if err := rows.Scan(&a.ID, &a.InvoiceID, &a.CostCodeID, &amount, &a.ChangeOrderID); err != nil {
			return fmt.Errorf("%w: scan allocation: %v", shared.ErrPersistence, err)
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return err
		}
		ledger.Allocations[a.InvoiceID] = append(ledger.Allocations[a.InvoiceID], a)
	}
	return rows.Err()
}

func loadDraws(ctx context.Context, tx pgx.Tx, ledger *JobLedger) error {
	const drawQuery = `
SELECT id, job_id, draw_number, status, total_amount::text, is_current_draft, locked_at, funded_amount::text
FROM draws
WHERE job_id = $1
ORDER BY draw_number`
	rows, err := tx.Query(ctx, drawQuery, ledger.JobID)
	if err != nil {
		return fmt.Errorf("%w: load draws: %v", shared.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var d billing.Draw
		var total string
		var funded *string
		if err := rows.Scan(&d.ID, &d.JobID, &d.DrawNumber, &d.Status, &total,
			&d.IsCurrentDraft, &d.LockedAt, &funded); err != nil {
			return fmt.Errorf("%w: scan draw: %v", shared.ErrPersistence, err)
		}
		if d.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return err
		}
		if funded != nil {
			amount, err := decimal.NewFromString(*funded)
			if err != nil {
				return err
			}
			d.FundedAmount = &amount
		}
		ledger.Draws = append(ledger.Draws, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	const sliceQuery = `
SELECT da.draw_id, da.invoice_id, da.cost_code_id, da.amount::text
FROM draw_allocations da
JOIN draws d ON d.id = da.draw_id
WHERE d.job_id = $1`
	rows, err = tx.Query(ctx, sliceQuery, ledger.JobID)
	if err != nil {
		return fmt.Errorf("%w: load draw allocations: %v", shared.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var da billing.DrawAllocation
		var amount string
		if err := rows.Scan(&da.DrawID, &da.InvoiceID, &da.CostCodeID, &amount); err != nil {
			return fmt.Errorf("%w: scan draw allocation: %v", shared.ErrPersistence, err)
		}
		if da.Amount, err = decimal.NewFromString(amount); err != nil {
			return err
		}
		ledger.DrawAllocations[da.DrawID] = append(ledger.DrawAllocations[da.DrawID], da)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	const dcoQuery = `
SELECT dco.draw_id, dco.change_order_id, dco.amount::text
FROM draw_change_orders dco
JOIN draws d ON d.id = dco.draw_id
WHERE d.job_id = $1`
	rows, err = tx.Query(ctx, dcoQuery, ledger.JobID)
	if err != nil {
		return fmt.Errorf("%w: load draw change orders: %v", shared.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var dco billing.DrawChangeOrder
		var amount string
		if err := rows.Scan(&dco.DrawID, &dco.ChangeOrderID, &amount); err != nil {
			return fmt.Errorf("%w: scan draw change order: %v", shared.ErrPersistence, err)
		}
		if dco.Amount, err = decimal.NewFromString(amount); err != nil {
			return err
		}
		ledger.DrawChangeOrders[dco.DrawID] = append(ledger.DrawChangeOrders[dco.DrawID], dco)
	}
	return rows.Err()
}

func loadPurchaseOrders(ctx context.Context, tx pgx.Tx, ledger *JobLedger) error {
	const poQuery = `
SELECT id, job_id, vendor_id, total_amount::text, status
FROM purchase_orders
WHERE job_id = $1`
	rows, err := tx.Query(ctx, poQuery, ledger.JobID)
	if err != nil {
		return fmt.Errorf("%w: load purchase orders: %v", shared.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var po billing.PurchaseOrder
		var total string
		if err := rows.Scan(&po.ID, &po.JobID, &po.VendorID, &total, &po.Status); err != nil {
			return fmt.Errorf("%w: scan purchase order: %v", shared.ErrPersistence, err)
		}
		if po.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return err
		}
		ledger.PurchaseOrders = append(ledger.PurchaseOrders, po)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	const lineQuery = `
SELECT l.id, l.po_id, l.cost_code_id, l.amount::text, l.invoiced_amount::text
FROM po_line_items l
JOIN purchase_orders p ON p.id = l.po_id
WHERE p.job_id = $1`
	rows, err = tx.Query(ctx, lineQuery, ledger.JobID)
	if err != nil {
		return fmt.Errorf("%w: load po lines: %v", shared.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var line billing.POLineItem
		var amount, invoiced string
		if err := rows.Scan(&line.ID, &line.POID, &line.CostCodeID, &amount, &invoiced); err != nil {
			return fmt.Errorf("%w: scan po line: %v", shared.ErrPersistence, err)
		}
		if line.Amount, err = decimal.NewFromString(amount); err != nil {
			return err
		}
		if line.InvoicedAmount, err = decimal.NewFromString(invoiced); err != nil {
			return err
		}
		ledger.POLines[line.POID] = append(ledger.POLines[line.POID], line)
	}
	return rows.Err()
}

func loadBudgetLines(ctx context.Context, tx pgx.Tx, ledger *JobLedger) error {
	const query = `
SELECT job_id, cost_code_id, budgeted_amount::text, committed_amount::text,
	billed_amount::text, paid_amount::text, billed_uncommitted::text, closed_at, closed_by
FROM budget_lines
WHERE job_id = $1
ORDER BY cost_code_id`
	rows, err := tx.Query(ctx, query, ledger.JobID)
	if err != nil {
		return fmt.Errorf("%w: load budget lines: %v", shared.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var b billing.BudgetLine
		raw := make([]string, 5)
		if err := rows.Scan(&b.JobID, &b.CostCodeID, &raw[0], &raw[1], &raw[2], &raw[3], &raw[4],
			&b.ClosedAt, &b.ClosedBy); err != nil {
			return fmt.Errorf("%w: scan budget line: %v", shared.ErrPersistence, err)
		}
		fields := []*decimal.Decimal{
			&b.BudgetedAmount, &b.CommittedAmount, &b.BilledAmount, &b.PaidAmount, &b.BilledUncommitted,
		}
		for i, field := range fields {
			if *field, err = decimal.NewFromString(raw[i]); err != nil {
				return err
			}
		}
		ledger.BudgetLines = append(ledger.BudgetLines, b)
	}
	return rows.Err()
}
