package undo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/drawline-erp/drawline-erp/internal/billing"
	"github.com/drawline-erp/drawline-erp/internal/shared"
)

// DefaultWindow bounds how long an action stays reversible.
const DefaultWindow = 30 * time.Second

// ActivityRecorder appends to the audit trail.
type ActivityRecorder interface {
	Record(ctx context.Context, log shared.ActivityLog) error
}

// Restorer reapplies captured entity state. billing.Service satisfies it.
type Restorer interface {
	RestoreInvoice(ctx context.Context, invoiceID uuid.UUID, restore billing.InvoiceRestore) (billing.Invoice, error)
	RestoreDraw(ctx context.Context, drawID uuid.UUID, restore billing.DrawRestore) (billing.Draw, error)
}

// Service captures reversible snapshots and executes undos within the
// window. It implements billing's UndoRecorder.
type Service struct {
	logger  *slog.Logger
	repo    Repository
	billing Restorer
	audit   ActivityRecorder
	window  time.Duration
	now     func() time.Time
}

var _ billing.UndoRecorder = (*Service)(nil)

// NewService constructs the undo service.
func NewService(logger *slog.Logger, repo Repository, billingSvc Restorer, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		logger:  logger,
		repo:    repo,
		billing: billingSvc,
		window:  window,
		now:     time.Now,
	}
}

// SetActivityRecorder injects the audit trail sink.
func (s *Service) SetActivityRecorder(recorder ActivityRecorder) {
	s.audit = recorder
}

// CaptureInvoice stores the invoice's pre-action state. Any previous live
// entry for the invoice is superseded.
func (s *Service) CaptureInvoice(ctx context.Context, prior billing.Invoice, action string, adjustments []billing.POAdjustment, performedBy string) error {
	state := &InvoiceState{
		Status:        prior.Status,
		BilledAmount:  prior.BilledAmount,
		PaidAmount:    prior.PaidAmount,
		FirstDrawID:   prior.FirstDrawID,
		FullyBilledAt: prior.FullyBilledAt,
		ApprovedAt:    prior.ApprovedAt,
		ApprovedBy:    prior.ApprovedBy,
		DeniedAt:      prior.DeniedAt,
		DenialReason:  prior.DenialReason,
	}
	for _, adj := range adjustments {
		state.POAdjustments = append(state.POAdjustments, POAdjustment{LineID: adj.LineID, Amount: adj.Amount})
	}
	return s.capture(ctx, Entry{
		EntityKind:  KindInvoice,
		EntityID:    prior.ID,
		Action:      action,
		PerformedBy: performedBy,
		Snapshot:    Snapshot{Kind: KindInvoice, Invoice: state},
	})
}

// CaptureDraw stores the draw's pre-action state.
func (s *Service) CaptureDraw(ctx context.Context, prior billing.Draw, action, performedBy string) error {
	state := &DrawState{
		Status:         prior.Status,
		TotalAmount:    prior.TotalAmount,
		IsCurrentDraft: prior.IsCurrentDraft,
		LockedAt:       prior.LockedAt,
		FundedAmount:   prior.FundedAmount,
	}
	return s.capture(ctx, Entry{
		EntityKind:  KindDraw,
		EntityID:    prior.ID,
		Action:      action,
		PerformedBy: performedBy,
		Snapshot:    Snapshot{Kind: KindDraw, Draw: state},
	})
}

func (s *Service) capture(ctx context.Context, entry Entry) error {
	if err := s.repo.Supersede(ctx, entry.EntityKind, entry.EntityID); err != nil {
		return err
	}
	now := s.now()
	entry.ID = uuid.New()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(s.window)
	if err := s.repo.Create(ctx, entry); err != nil {
		return err
	}
	s.logger.Debug("undo captured",
		"entity_kind", entry.EntityKind, "entity_id", entry.EntityID,
		"action", entry.Action, "expires_at", entry.ExpiresAt)
	return nil
}

// Available returns the entity's live undo entry. Expired entries report
// ErrUndoExpired so callers can distinguish "too late" from "nothing there".
func (s *Service) Available(ctx context.Context, kind EntityKind, entityID uuid.UUID) (Entry, error) {
	entry, err := s.repo.GetLive(ctx, kind, entityID)
	if err != nil {
		return Entry{}, err
	}
	if !s.now().Before(entry.ExpiresAt) {
		return Entry{}, fmt.Errorf("%w: window closed at %s", shared.ErrUndoExpired, entry.ExpiresAt.Format(time.RFC3339))
	}
	return entry, nil
}

// Execute reverses the captured action. The entry must still be inside its
// window and not already consumed.
func (s *Service) Execute(ctx context.Context, entryID uuid.UUID, actorID string) (Entry, error) {
	entry, err := s.repo.Get(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	if entry.UndoneAt != nil {
		return Entry{}, fmt.Errorf("%w: entry already consumed", shared.ErrUndoNotFound)
	}
	if entry.Superseded {
		return Entry{}, fmt.Errorf("%w: entry superseded by a later action", shared.ErrUndoNotFound)
	}
	now := s.now()
	if !now.Before(entry.ExpiresAt) {
		return Entry{}, fmt.Errorf("%w: window closed at %s", shared.ErrUndoExpired, entry.ExpiresAt.Format(time.RFC3339))
	}

	switch entry.Snapshot.Kind {
	case KindInvoice:
		if entry.Snapshot.Invoice == nil {
			return Entry{}, shared.Validationf("invoice snapshot missing")
		}
		restore := billing.InvoiceRestore{
			Status:        entry.Snapshot.Invoice.Status,
			BilledAmount:  entry.Snapshot.Invoice.BilledAmount,
			PaidAmount:    entry.Snapshot.Invoice.PaidAmount,
			FirstDrawID:   entry.Snapshot.Invoice.FirstDrawID,
			FullyBilledAt: entry.Snapshot.Invoice.FullyBilledAt,
			ApprovedAt:    entry.Snapshot.Invoice.ApprovedAt,
			ApprovedBy:    entry.Snapshot.Invoice.ApprovedBy,
			DeniedAt:      entry.Snapshot.Invoice.DeniedAt,
			DenialReason:  entry.Snapshot.Invoice.DenialReason,
		}
		for _, adj := range entry.Snapshot.Invoice.POAdjustments {
			restore.POAdjustments = append(restore.POAdjustments, billing.POAdjustment{LineID: adj.LineID, Amount: adj.Amount})
		}
		if _, err := s.billing.RestoreInvoice(ctx, entry.EntityID, restore); err != nil {
			return Entry{}, err
		}
	case KindDraw:
		if entry.Snapshot.Draw == nil {
			return Entry{}, shared.Validationf("draw snapshot missing")
		}
		restore := billing.DrawRestore{
			Status:         entry.Snapshot.Draw.Status,
			TotalAmount:    entry.Snapshot.Draw.TotalAmount,
			IsCurrentDraft: entry.Snapshot.Draw.IsCurrentDraft,
			LockedAt:       entry.Snapshot.Draw.LockedAt,
			FundedAmount:   entry.Snapshot.Draw.FundedAmount,
		}
		if _, err := s.billing.RestoreDraw(ctx, entry.EntityID, restore); err != nil {
			return Entry{}, err
		}
	default:
		return Entry{}, shared.Validationf("unknown snapshot kind %q", entry.Snapshot.Kind)
	}

	if err := s.repo.MarkUndone(ctx, entry.ID, now); err != nil {
		return Entry{}, err
	}
	entry.UndoneAt = &now

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.ActivityLog{
			ActorID:  actorID,
			Entity:   string(entry.EntityKind),
			EntityID: entry.EntityID,
			Details:  shared.UndoExecutedDetails{UndoID: entry.ID, UndoneAction: entry.Action},
		})
	}
	s.logger.Info("undo executed",
		"entry_id", entry.ID, "entity_kind", entry.EntityKind,
		"entity_id", entry.EntityID, "action", entry.Action)
	return entry, nil
}

// PurgeExpired deletes entries whose window has closed. Run periodically;
// expiry itself is enforced at read time, this just keeps the table small.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}
