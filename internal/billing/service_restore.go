package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

// InvoiceRestore carries the pre-action field values reapplied when an
// approval or denial is rolled back, plus the PO deltas the action applied.
type InvoiceRestore struct {
	Status        InvoiceStatus
	BilledAmount  decimal.Decimal
	PaidAmount    decimal.Decimal
	FirstDrawID   *uuid.UUID
	FullyBilledAt *time.Time
	ApprovedAt    *time.Time
	ApprovedBy    *string
	DeniedAt      *time.Time
	DenialReason  *string
	POAdjustments []POAdjustment
}

// DrawRestore carries the pre-action field values of a draw.
type DrawRestore struct {
	Status         DrawStatus
	TotalAmount    decimal.Decimal
	IsCurrentDraft bool
	LockedAt       *time.Time
	FundedAmount   *decimal.Decimal
}

// RestoreInvoice reapplies a captured invoice state and reverses the PO
// deltas the undone action recorded. Used only by the undo manager; the
// normal state machine guards do not apply to a rollback.
func (s *Service) RestoreInvoice(ctx context.Context, invoiceID uuid.UUID, restore InvoiceRestore) (Invoice, error) {
	var result Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		for _, adj := range restore.POAdjustments {
			if err := tx.AdjustPOLineInvoiced(ctx, adj.LineID, adj.Amount.Neg()); err != nil {
				return err
			}
		}
		inv.Status = restore.Status
		inv.BilledAmount = restore.BilledAmount
		inv.PaidAmount = restore.PaidAmount
		inv.FirstDrawID = restore.FirstDrawID
		inv.FullyBilledAt = restore.FullyBilledAt
		inv.ApprovedAt = restore.ApprovedAt
		inv.ApprovedBy = restore.ApprovedBy
		inv.DeniedAt = restore.DeniedAt
		inv.DenialReason = restore.DenialReason
		inv.UpdatedAt = time.Now()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if err := recomputeBudget(ctx, tx, inv.JobID); err != nil {
			return err
		}
		result = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return result, nil
}

// RestoreDraw reapplies a captured draw state. Rolling back a funding event
// also walks the funding's invoice side effects back; rolling back a submit
// behaves like an unsubmit. Recoded invoices a submit kicked back keep their
// cleared coding either way.
func (s *Service) RestoreDraw(ctx context.Context, drawID uuid.UUID, restore DrawRestore) (Draw, error) {
	var result Draw
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		draw, err := tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		now := time.Now()

		if isFundedStatus(draw.Status) && restore.FundedAmount == nil {
			slices, err := drawSlicesByInvoice(ctx, tx, drawID)
			if err != nil {
				return err
			}
			for invoiceID, slice := range slices {
				inv, err := tx.GetInvoice(ctx, invoiceID)
				if err != nil {
					return err
				}
				inv.BilledAmount = inv.BilledAmount.Sub(slice)
				if inv.BilledAmount.IsNegative() {
					inv.BilledAmount = decimal.Zero
				}
				if inv.Status == InvoicePaid &&
					inv.BilledAmount.LessThan(inv.Amount.Sub(AmountTolerance)) {
					inv.Status = InvoiceInDraw
					inv.PaidAmount = decimal.Zero
				}
				inv.UpdatedAt = now
				if err := tx.UpdateInvoice(ctx, inv); err != nil {
					return err
				}
			}
		}

		if draw.Status == DrawSubmitted && restore.Status == DrawDraft {
			drafts, err := tx.CountDraftDraws(ctx, draw.JobID)
			if err != nil {
				return err
			}
			if drafts > 0 {
				return shared.Validationf("job already has a draft draw; resolve it before undoing the submit")
			}
			invoiceIDs, err := tx.ListDrawInvoiceIDs(ctx, drawID)
			if err != nil {
				return err
			}
			for _, invoiceID := range invoiceIDs {
				inv, err := tx.GetInvoice(ctx, invoiceID)
				if err != nil {
					return err
				}
				if inv.Status == InvoiceInDraw && inv.FullyBilledAt != nil {
					inv.FullyBilledAt = nil
					inv.UpdatedAt = now
					if err := tx.UpdateInvoice(ctx, inv); err != nil {
						return err
					}
				}
			}
		}

		draw.Status = restore.Status
		draw.TotalAmount = restore.TotalAmount
		draw.IsCurrentDraft = restore.IsCurrentDraft
		draw.LockedAt = restore.LockedAt
		draw.FundedAmount = restore.FundedAmount
		draw.UpdatedAt = now
		if err := tx.UpdateDraw(ctx, draw); err != nil {
			return err
		}
		if err := recomputeBudget(ctx, tx, draw.JobID); err != nil {
			return err
		}
		result = draw
		return nil
	})
	if err != nil {
		return Draw{}, err
	}
	return result, nil
}

func isFundedStatus(status DrawStatus) bool {
	switch status {
	case DrawFunded, DrawPartiallyFunded, DrawOverfunded:
		return true
	default:
		return false
	}
}
