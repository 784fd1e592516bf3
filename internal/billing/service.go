package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

// Undoable actions recorded by the undo manager.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
	ActionSubmit  = "submit"
	ActionFund    = "fund"
)

// POAdjustment is one applied delta against a purchase order line's invoiced
// amount. The undo manager replays these with the sign flipped.
type POAdjustment struct {
	LineID uuid.UUID
	Amount decimal.Decimal
}

// ActivityRecorder appends to the audit trail.
type ActivityRecorder interface {
	Record(ctx context.Context, log shared.ActivityLog) error
}

// UndoRecorder captures reversible snapshots before mutations land.
type UndoRecorder interface {
	CaptureInvoice(ctx context.Context, prior Invoice, action string, adjustments []POAdjustment, performedBy string) error
	CaptureDraw(ctx context.Context, prior Draw, action string, performedBy string) error
}

// Service drives the invoice state machine and the draw sub-ledger.
type Service struct {
	repo  Repository
	audit ActivityRecorder
	undo  UndoRecorder
}

// NewService constructs the billing service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// SetActivityRecorder injects the audit trail sink.
func (s *Service) SetActivityRecorder(recorder ActivityRecorder) {
	s.audit = recorder
}

// SetUndoRecorder injects the undo snapshot sink.
func (s *Service) SetUndoRecorder(recorder UndoRecorder) {
	s.undo = recorder
}

// CodeInvoice replaces the invoice's cost-code allocations and moves a
// received invoice into the approval queue. Allowed while the invoice is
// RECEIVED or NEEDS_APPROVAL (recoding after a partial billing cycle).
func (s *Service) CodeInvoice(ctx context.Context, input CodeInvoiceInput) (Invoice, error) {
	if len(input.Allocations) == 0 {
		return Invoice{}, shared.Validationf("at least one allocation is required")
	}
	var result Invoice
	var allocSum decimal.Decimal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceReceived && inv.Status != InvoiceNeedsApproval {
			return shared.Transitionf("invoice", string(inv.Status), string(InvoiceNeedsApproval))
		}
		if err := ValidateAllocations(inv, input.Allocations); err != nil {
			return err
		}
		allocSum = decimal.Zero
		for _, a := range input.Allocations {
			allocSum = allocSum.Add(a.Amount)
		}
		if !allocSum.IsPositive() {
			return shared.Validationf("allocations must sum above zero")
		}

		prior, err := tx.ListAllocations(ctx, inv.ID)
		if err != nil {
			return err
		}
		changeOrders := map[uuid.UUID]struct{}{}
		for _, a := range prior {
			if a.ChangeOrderID != nil {
				changeOrders[*a.ChangeOrderID] = struct{}{}
			}
		}
		allocations := make([]Allocation, 0, len(input.Allocations))
		for _, a := range input.Allocations {
			allocations = append(allocations, Allocation{
				ID:            uuid.New(),
				InvoiceID:     inv.ID,
				CostCodeID:    a.CostCodeID,
				Amount:        a.Amount,
				ChangeOrderID: a.ChangeOrderID,
			})
			if a.ChangeOrderID != nil {
				changeOrders[*a.ChangeOrderID] = struct{}{}
			}
		}
		if err := tx.ReplaceAllocations(ctx, inv.ID, allocations); err != nil {
			return err
		}
		for coID := range changeOrders {
			if err := tx.RecomputeChangeOrderInvoiced(ctx, coID); err != nil {
				return err
			}
		}

		inv.Status = InvoiceNeedsApproval
		inv.UpdatedAt = time.Now()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		result = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.recordActivity(ctx, input.ActorID, "invoice", result.ID, shared.InvoiceCodedDetails{
		AllocationCount: len(input.Allocations),
		AllocatedTotal:  allocSum,
	})
	return result, nil
}

// ApproveInvoice moves a coded invoice to APPROVED. When the allocations
// cover less than the remaining unbilled amount this is a partial approval
// and the caller must confirm it explicitly, because it limits how much of
// the invoice is releasable this cycle. Approval applies no budget effect;
// it does record committed spend against the linked purchase order.
func (s *Service) ApproveInvoice(ctx context.Context, input ApproveInvoiceInput) (Invoice, error) {
	var result, prior Invoice
	var adjustments []POAdjustment
	var allocSum decimal.Decimal
	var partial bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceNeedsApproval {
			return shared.Transitionf("invoice", string(inv.Status), string(InvoiceApproved))
		}
		allocations, err := tx.ListAllocations(ctx, inv.ID)
		if err != nil {
			return err
		}
		if len(allocations) == 0 {
			return shared.Validationf("invoice has no allocations")
		}
		if err := ValidateAllocations(inv, allocationInputs(allocations)); err != nil {
			return err
		}
		allocSum = SumAllocations(allocations)
		remaining := RemainingUnbilled(inv)
		if allocSum.LessThan(remaining.Sub(AmountTolerance)) {
			partial = true
			if !input.Partial {
				return shared.Validationf("partial approval of %s against remaining %s requires confirmation",
					allocSum.StringFixed(2), remaining.StringFixed(2))
			}
		}
		prior = inv

		if inv.POID != nil {
			adjustments, err = applyPOAllocations(ctx, tx, *inv.POID, allocations, decimal.NewFromInt(1))
			if err != nil {
				return err
			}
		}

		now := time.Now()
		inv.Status = InvoiceApproved
		inv.ApprovedAt = &now
		inv.ApprovedBy = &input.ApprovedBy
		inv.DeniedAt = nil
		inv.DenialReason = nil
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		result = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.captureInvoiceUndo(ctx, prior, ActionApprove, adjustments, input.ApprovedBy)
	s.recordActivity(ctx, input.ApprovedBy, "invoice", result.ID, shared.InvoiceApprovedDetails{
		Partial:        partial,
		AllocatedTotal: allocSum,
	})
	return result, nil
}

// DenyInvoice rejects an invoice. Allocations are preserved for audit but
// excluded from budget roll-up while denied; purchase order commitments
// recorded at approval are released.
func (s *Service) DenyInvoice(ctx context.Context, input DenyInvoiceInput) (Invoice, error) {
	if input.Reason == "" {
		return Invoice{}, shared.Validationf("denial reason is required")
	}
	var result, prior Invoice
	var adjustments []POAdjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceNeedsApproval && inv.Status != InvoiceApproved {
			return shared.Transitionf("invoice", string(inv.Status), string(InvoiceDenied))
		}
		prior = inv

		if inv.Status == InvoiceApproved && inv.POID != nil {
			allocations, err := tx.ListAllocations(ctx, inv.ID)
			if err != nil {
				return err
			}
			adjustments, err = applyPOAllocations(ctx, tx, *inv.POID, allocations, decimal.NewFromInt(-1))
			if err != nil {
				return err
			}
		}

		now := time.Now()
		inv.Status = InvoiceDenied
		inv.DeniedAt = &now
		inv.DenialReason = &input.Reason
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		result = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.captureInvoiceUndo(ctx, prior, ActionDeny, adjustments, input.PerformedBy)
	s.recordActivity(ctx, input.PerformedBy, "invoice", result.ID, shared.InvoiceDeniedDetails{Reason: input.Reason})
	return result, nil
}

// UnapproveInvoice is the explicit compensating transition APPROVED →
// NEEDS_APPROVAL. Purchase order commitments recorded at approval are
// released; allocations stay in place for recoding.
func (s *Service) UnapproveInvoice(ctx context.Context, invoiceID uuid.UUID, actorID string) (Invoice, error) {
	var result Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceApproved {
			return shared.Transitionf("invoice", string(inv.Status), string(InvoiceNeedsApproval))
		}
		if inv.POID != nil {
			allocations, err := tx.ListAllocations(ctx, inv.ID)
			if err != nil {
				return err
			}
			if _, err := applyPOAllocations(ctx, tx, *inv.POID, allocations, decimal.NewFromInt(-1)); err != nil {
				return err
			}
		}
		inv.Status = InvoiceNeedsApproval
		inv.ApprovedAt = nil
		inv.ApprovedBy = nil
		inv.UpdatedAt = time.Now()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		result = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.recordActivity(ctx, actorID, "invoice", result.ID, shared.InvoiceStatusDetails{
		From: string(InvoiceApproved), To: string(InvoiceNeedsApproval),
	})
	return result, nil
}

// UnpayInvoice is the explicit compensating transition PAID → IN_DRAW,
// used when a funding event was recorded against the wrong draw.
func (s *Service) UnpayInvoice(ctx context.Context, invoiceID uuid.UUID, actorID string) (Invoice, error) {
	var result Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoicePaid {
			return shared.Transitionf("invoice", string(inv.Status), string(InvoiceInDraw))
		}
		inv.Status = InvoiceInDraw
		inv.PaidAmount = decimal.Zero
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
	s.recordActivity(ctx, actorID, "invoice", result.ID, shared.InvoiceStatusDetails{
		From: string(InvoicePaid), To: string(InvoiceInDraw),
	})
	return result, nil
}

// GetInvoice returns an invoice with its allocations.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, []Allocation, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, nil, err
	}
	allocations, err := s.repo.ListAllocations(ctx, id)
	if err != nil {
		return Invoice{}, nil, err
	}
	return inv, allocations, nil
}

// ListBudgetLines returns the rolled-up budget for a job.
func (s *Service) ListBudgetLines(ctx context.Context, jobID uuid.UUID) ([]BudgetLine, error) {
	return s.repo.ListBudgetLines(ctx, jobID)
}

// applyPOAllocations adjusts invoiced amounts on the PO lines matching each
// allocation's cost code, scaled by sign. Allocations with no matching PO
// line are skipped: they bill outside the order's scope.
func applyPOAllocations(ctx context.Context, tx TxRepository, poID uuid.UUID, allocations []Allocation, sign decimal.Decimal) ([]POAdjustment, error) {
	lines, err := tx.ListPOLines(ctx, poID)
	if err != nil {
		return nil, err
	}
	byCostCode := make(map[uuid.UUID]uuid.UUID, len(lines))
	for _, l := range lines {
		if _, ok := byCostCode[l.CostCodeID]; !ok {
			byCostCode[l.CostCodeID] = l.ID
		}
	}
	var adjustments []POAdjustment
	for _, a := range allocations {
		lineID, ok := byCostCode[a.CostCodeID]
		if !ok {
			continue
		}
		delta := a.Amount.Mul(sign)
		if err := tx.AdjustPOLineInvoiced(ctx, lineID, delta); err != nil {
			return nil, err
		}
		adjustments = append(adjustments, POAdjustment{LineID: lineID, Amount: delta})
	}
	return adjustments, nil
}

func allocationInputs(allocations []Allocation) []AllocationInput {
	inputs := make([]AllocationInput, len(allocations))
	for i, a := range allocations {
		inputs[i] = AllocationInput{CostCodeID: a.CostCodeID, Amount: a.Amount, ChangeOrderID: a.ChangeOrderID}
	}
	return inputs
}

func (s *Service) recordActivity(ctx context.Context, actor, entity string, entityID uuid.UUID, details shared.ActivityDetails) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.ActivityLog{
		ActorID:  actor,
		Entity:   entity,
		EntityID: entityID,
		Details:  details,
	})
}

func (s *Service) captureInvoiceUndo(ctx context.Context, prior Invoice, action string, adjustments []POAdjustment, performedBy string) {
	if s.undo == nil {
		return
	}
	_ = s.undo.CaptureInvoice(ctx, prior, action, adjustments, performedBy)
}

func (s *Service) captureDrawUndo(ctx context.Context, prior Draw, action, performedBy string) {
	if s.undo == nil {
		return
	}
	_ = s.undo.CaptureDraw(ctx, prior, action, performedBy)
}
