package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

// CreateDraw opens a new draft draw for the job. A job carries at most one
// draft draw at a time; the check and insert run in one transaction so two
// concurrent creates cannot both pass.
func (s *Service) CreateDraw(ctx context.Context, input CreateDrawInput) (Draw, error) {
	var result Draw
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		drafts, err := tx.CountDraftDraws(ctx, input.JobID)
		if err != nil {
			return err
		}
		if drafts > 0 {
			return fmt.Errorf("%w: job already has a draft draw", shared.ErrConflict)
		}
		number, err := tx.NextDrawNumber(ctx, input.JobID)
		if err != nil {
			return err
		}
		now := time.Now()
		result = Draw{
			ID:             uuid.New(),
			JobID:          input.JobID,
			DrawNumber:     number,
			Status:         DrawDraft,
			TotalAmount:    decimal.Zero,
			IsCurrentDraft: true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.CreateDraw(ctx, result)
	})
	if err != nil {
		return Draw{}, err
	}
	s.recordActivity(ctx, input.ActorID, "draw", result.ID, shared.DrawChangedDetails{
		Change: "created", Total: decimal.Zero,
	})
	return result, nil
}

// AddInvoicesToDraw pulls approved invoices into a draft draw. Each invoice
// contributes a slice capped at the least of its remaining unbilled amount,
// its current allocation sum, and the headroom left after slices already
// recorded on other draws. The slice is distributed across the invoice's
// allocations proportionally, rounded to cents, with the rounding remainder
// carried on the last allocation so the slice total is exact.
func (s *Service) AddInvoicesToDraw(ctx context.Context, drawID uuid.UUID, invoiceIDs []uuid.UUID, actorID string) (Draw, error) {
	if len(invoiceIDs) == 0 {
		return Draw{}, shared.Validationf("no invoices given")
	}
	var result Draw
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		draw, err := tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		if draw.Status != DrawDraft {
			return shared.Transitionf("draw", string(draw.Status), string(DrawDraft))
		}
		for _, invoiceID := range invoiceIDs {
			inv, err := tx.GetInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			if inv.Status != InvoiceApproved {
				return shared.Transitionf("invoice", string(inv.Status), string(InvoiceInDraw))
			}
			allocations, err := tx.ListAllocations(ctx, inv.ID)
			if err != nil {
				return err
			}
			if len(allocations) == 0 {
				return shared.Validationf("invoice %s has no allocations", inv.ID)
			}
			cumulative, err := tx.SumDrawAllocationsForInvoice(ctx, inv.ID)
			if err != nil {
				return err
			}
			slice := drawSlice(inv, allocations, cumulative)
			if !slice.IsPositive() {
				return shared.Validationf("invoice %s has nothing releasable", inv.ID)
			}
			rows := scaleDrawAllocations(drawID, inv.ID, allocations, slice)
			if err := tx.CreateDrawAllocations(ctx, rows); err != nil {
				return err
			}
			inv.Status = InvoiceInDraw
			if inv.FirstDrawID == nil {
				id := drawID
				inv.FirstDrawID = &id
			}
			inv.UpdatedAt = time.Now()
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
		}
		if err := recomputeDrawTotal(ctx, tx, &draw); err != nil {
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
	s.recordActivity(ctx, actorID, "draw", result.ID, shared.DrawChangedDetails{
		Change: "invoices_added", InvoiceCount: len(invoiceIDs), Total: result.TotalAmount,
	})
	return result, nil
}

// RemoveInvoiceFromDraw takes an invoice back out of a draft draw and
// returns it to APPROVED. Only draft draws can be edited.
func (s *Service) RemoveInvoiceFromDraw(ctx context.Context, drawID, invoiceID uuid.UUID, actorID string) (Draw, error) {
	var result Draw
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		draw, err := tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		if draw.Status != DrawDraft {
			return shared.Transitionf("draw", string(draw.Status), string(DrawDraft))
		}
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceInDraw {
			return shared.Transitionf("invoice", string(inv.Status), string(InvoiceApproved))
		}
		if err := tx.DeleteDrawAllocations(ctx, drawID, invoiceID); err != nil {
			return err
		}
		inv.Status = InvoiceApproved
		cumulative, err := tx.SumDrawAllocationsForInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if inv.FirstDrawID != nil && *inv.FirstDrawID == drawID && cumulative.IsZero() {
			inv.FirstDrawID = nil
		}
		inv.UpdatedAt = time.Now()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if err := recomputeDrawTotal(ctx, tx, &draw); err != nil {
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
	s.recordActivity(ctx, actorID, "draw", result.ID, shared.DrawChangedDetails{
		Change: "invoice_removed", InvoiceCount: 1, Total: result.TotalAmount,
	})
	return result, nil
}

// AddChangeOrderToDraw bills an approved change order directly on a draft
// draw, outside any invoice.
func (s *Service) AddChangeOrderToDraw(ctx context.Context, drawID, changeOrderID uuid.UUID, amount decimal.Decimal, actorID string) (Draw, error) {
	if !amount.IsPositive() {
		return Draw{}, shared.Validationf("change order amount must be positive")
	}
	var result Draw
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		draw, err := tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		if draw.Status != DrawDraft {
			return shared.Transitionf("draw", string(draw.Status), string(DrawDraft))
		}
		dco := DrawChangeOrder{DrawID: drawID, ChangeOrderID: changeOrderID, Amount: amount}
		if err := tx.CreateDrawChangeOrder(ctx, dco); err != nil {
			return err
		}
		if err := recomputeDrawTotal(ctx, tx, &draw); err != nil {
			return err
		}
		result = draw
		return nil
	})
	if err != nil {
		return Draw{}, err
	}
	s.recordActivity(ctx, actorID, "draw", result.ID, shared.DrawChangedDetails{
		Change: "change_order_added", Total: result.TotalAmount,
	})
	return result, nil
}

// SubmitDraw locks a draft draw for funding. Invoices whose cross-draw
// slices now cover their full amount stay IN_DRAW and are stamped fully
// billed; partially billed invoices are kicked back to NEEDS_APPROVAL with
// their allocations cleared, ready to be recoded for the remainder in a
// later cycle. Their slice on this draw is untouched.
func (s *Service) SubmitDraw(ctx context.Context, drawID uuid.UUID, actorID string) (Draw, error) {
	var result, prior Draw
	var invoiceCount int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		draw, err := tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		if draw.Status != DrawDraft {
			return shared.Transitionf("draw", string(draw.Status), string(DrawSubmitted))
		}
		prior = draw
		invoiceIDs, err := tx.ListDrawInvoiceIDs(ctx, drawID)
		if err != nil {
			return err
		}
		coTotal, err := tx.SumDrawChangeOrders(ctx, drawID)
		if err != nil {
			return err
		}
		if len(invoiceIDs) == 0 && coTotal.IsZero() {
			return shared.Validationf("draw is empty")
		}
		invoiceCount = len(invoiceIDs)

		now := time.Now()
		for _, invoiceID := range invoiceIDs {
			inv, err := tx.GetInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			cumulative, err := tx.SumDrawAllocationsForInvoice(ctx, inv.ID)
			if err != nil {
				return err
			}
			if cumulative.GreaterThanOrEqual(inv.Amount.Sub(AmountTolerance)) {
				if inv.FullyBilledAt == nil {
					at := now
					inv.FullyBilledAt = &at
				}
			} else {
				if err := clearAllocations(ctx, tx, inv.ID); err != nil {
					return err
				}
				inv.Status = InvoiceNeedsApproval
				inv.ApprovedAt = nil
				inv.ApprovedBy = nil
			}
			inv.UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
		}

		if err := recomputeDrawTotal(ctx, tx, &draw); err != nil {
			return err
		}
		draw.Status = DrawSubmitted
		draw.IsCurrentDraft = false
		draw.LockedAt = &now
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
	s.captureDrawUndo(ctx, prior, ActionSubmit, actorID)
	s.recordActivity(ctx, actorID, "draw", result.ID, shared.DrawChangedDetails{
		Change: "submitted", InvoiceCount: invoiceCount, Total: result.TotalAmount,
	})
	return result, nil
}

// UnsubmitDraw reopens a submitted, still unfunded draw as the job's draft.
// Refused when the job already has another draft. Invoices the submit kicked
// back keep their cleared coding; they are recoded, not restored.
func (s *Service) UnsubmitDraw(ctx context.Context, drawID uuid.UUID, actorID string) (Draw, error) {
	var result Draw
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		draw, err := tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		if draw.Status != DrawSubmitted {
			return shared.Transitionf("draw", string(draw.Status), string(DrawDraft))
		}
		if draw.FundedAmount != nil {
			return fmt.Errorf("%w: draw has funding recorded", shared.ErrConflict)
		}
		drafts, err := tx.CountDraftDraws(ctx, draw.JobID)
		if err != nil {
			return err
		}
		if drafts > 0 {
			return fmt.Errorf("%w: job already has a draft draw", shared.ErrConflict)
		}
		invoiceIDs, err := tx.ListDrawInvoiceIDs(ctx, drawID)
		if err != nil {
			return err
		}
		now := time.Now()
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
		draw.Status = DrawDraft
		draw.IsCurrentDraft = true
		draw.LockedAt = nil
		draw.UpdatedAt = now
		if err := tx.UpdateDraw(ctx, draw); err != nil {
			return err
		}
		result = draw
		return nil
	})
	if err != nil {
		return Draw{}, err
	}
	s.recordActivity(ctx, actorID, "draw", result.ID, shared.DrawChangedDetails{
		Change: "unsubmitted", Total: result.TotalAmount,
	})
	return result, nil
}

// FundDraw records the funding event for a submitted draw. The draw lands on
// FUNDED, PARTIALLY_FUNDED or OVERFUNDED by comparing funded against total
// within tolerance. Each invoice's billed amount advances by its slice on
// this draw; invoices billed in full become PAID.
func (s *Service) FundDraw(ctx context.Context, drawID uuid.UUID, fundedAmount decimal.Decimal, actorID string) (Draw, error) {
	if fundedAmount.IsNegative() {
		return Draw{}, shared.Validationf("funded amount must not be negative")
	}
	var result, prior Draw
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		draw, err := tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		if draw.Status != DrawSubmitted {
			return shared.Transitionf("draw", string(draw.Status), string(DrawFunded))
		}
		prior = draw

		switch {
		case withinTolerance(fundedAmount, draw.TotalAmount):
			draw.Status = DrawFunded
		case fundedAmount.LessThan(draw.TotalAmount):
			draw.Status = DrawPartiallyFunded
		default:
			draw.Status = DrawOverfunded
		}
		now := time.Now()
		draw.FundedAmount = &fundedAmount
		draw.UpdatedAt = now
		if err := tx.UpdateDraw(ctx, draw); err != nil {
			return err
		}

		slices, err := drawSlicesByInvoice(ctx, tx, drawID)
		if err != nil {
			return err
		}
		for invoiceID, slice := range slices {
			inv, err := tx.GetInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			inv.BilledAmount = inv.BilledAmount.Add(slice)
			if inv.Status == InvoiceInDraw &&
				inv.BilledAmount.GreaterThanOrEqual(inv.Amount.Sub(AmountTolerance)) {
				inv.Status = InvoicePaid
				inv.PaidAmount = inv.BilledAmount
			}
			inv.UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
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
	s.captureDrawUndo(ctx, prior, ActionFund, actorID)
	s.recordActivity(ctx, actorID, "draw", result.ID, shared.DrawFundedDetails{
		FundedAmount: fundedAmount,
		TotalAmount:  result.TotalAmount,
		Outcome:      string(result.Status),
	})
	return result, nil
}

// GetDraw returns a draw with its sub-ledger rows.
func (s *Service) GetDraw(ctx context.Context, id uuid.UUID) (Draw, []DrawAllocation, error) {
	draw, err := s.repo.GetDraw(ctx, id)
	if err != nil {
		return Draw{}, nil, err
	}
	rows, err := s.repo.ListDrawAllocations(ctx, id)
	if err != nil {
		return Draw{}, nil, err
	}
	return draw, rows, nil
}

// ListDraws returns all draws for a job.
func (s *Service) ListDraws(ctx context.Context, jobID uuid.UUID) ([]Draw, error) {
	return s.repo.ListDraws(ctx, jobID)
}

// drawSlice caps what the invoice may bill on this draw: its remaining
// unbilled amount, the sum of its current allocations, and the headroom
// under the invoice amount after slices already on other draws.
func drawSlice(inv Invoice, allocations []Allocation, cumulative decimal.Decimal) decimal.Decimal {
	slice := RemainingUnbilled(inv)
	if sum := SumAllocations(allocations); sum.LessThan(slice) {
		slice = sum
	}
	if headroom := inv.Amount.Sub(cumulative); headroom.LessThan(slice) {
		slice = headroom
	}
	if slice.IsNegative() {
		return decimal.Zero
	}
	return slice
}

// scaleDrawAllocations splits the slice across the invoice's allocations in
// proportion to their amounts, rounded to cents. Each rounded share is
// clamped to what is still unassigned, and the last row absorbs the
// remainder, so the rows sum to the slice exactly and never go negative.
func scaleDrawAllocations(drawID, invoiceID uuid.UUID, allocations []Allocation, slice decimal.Decimal) []DrawAllocation {
	total := SumAllocations(allocations)
	rows := make([]DrawAllocation, 0, len(allocations))
	assigned := decimal.Zero
	for i, a := range allocations {
		var amount decimal.Decimal
		if i == len(allocations)-1 {
			amount = slice.Sub(assigned)
		} else {
			amount = slice.Mul(a.Amount).Div(total).Round(2)
			if unassigned := slice.Sub(assigned); amount.GreaterThan(unassigned) {
				amount = unassigned
			}
			assigned = assigned.Add(amount)
		}
		rows = append(rows, DrawAllocation{
			DrawID:     drawID,
			InvoiceID:  invoiceID,
			CostCodeID: a.CostCodeID,
			Amount:     amount,
		})
	}
	return rows
}

func drawSlicesByInvoice(ctx context.Context, tx TxRepository, drawID uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	rows, err := tx.ListDrawAllocations(ctx, drawID)
	if err != nil {
		return nil, err
	}
	slices := make(map[uuid.UUID]decimal.Decimal)
	for _, r := range rows {
		slices[r.InvoiceID] = slices[r.InvoiceID].Add(r.Amount)
	}
	return slices, nil
}

// clearAllocations wipes an invoice's coding and refreshes the invoiced
// figure of any change orders the coding referenced.
func clearAllocations(ctx context.Context, tx TxRepository, invoiceID uuid.UUID) error {
	prior, err := tx.ListAllocations(ctx, invoiceID)
	if err != nil {
		return err
	}
	if err := tx.ReplaceAllocations(ctx, invoiceID, nil); err != nil {
		return err
	}
	seen := map[uuid.UUID]struct{}{}
	for _, a := range prior {
		if a.ChangeOrderID == nil {
			continue
		}
		if _, ok := seen[*a.ChangeOrderID]; ok {
			continue
		}
		seen[*a.ChangeOrderID] = struct{}{}
		if err := tx.RecomputeChangeOrderInvoiced(ctx, *a.ChangeOrderID); err != nil {
			return err
		}
	}
	return nil
}

// recomputeDrawTotal refreshes the draw total from its sub-ledger plus any
// directly billed change orders, and persists the draw.
func recomputeDrawTotal(ctx context.Context, tx TxRepository, draw *Draw) error {
	rows, err := tx.ListDrawAllocations(ctx, draw.ID)
	if err != nil {
		return err
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Amount)
	}
	coTotal, err := tx.SumDrawChangeOrders(ctx, draw.ID)
	if err != nil {
		return err
	}
	draw.TotalAmount = total.Add(coTotal)
	draw.UpdatedAt = time.Now()
	return tx.UpdateDraw(ctx, *draw)
}
