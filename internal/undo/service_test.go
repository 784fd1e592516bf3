package undo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/drawline-erp/drawline-erp/internal/billing"
	"github.com/drawline-erp/drawline-erp/internal/shared"
)

type memoryUndoRepo struct {
	entries map[uuid.UUID]Entry
}

func newMemoryUndoRepo() *memoryUndoRepo {
	return &memoryUndoRepo{entries: make(map[uuid.UUID]Entry)}
}

func (r *memoryUndoRepo) Create(ctx context.Context, entry Entry) error {
	r.entries[entry.ID] = entry
	return nil
}

func (r *memoryUndoRepo) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: entry %s", shared.ErrUndoNotFound, id)
	}
	return entry, nil
}

func (r *memoryUndoRepo) GetLive(ctx context.Context, kind EntityKind, entityID uuid.UUID) (Entry, error) {
	var live []Entry
	for _, e := range r.entries {
		if e.EntityKind == kind && e.EntityID == entityID && e.UndoneAt == nil && !e.Superseded {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		return Entry{}, fmt.Errorf("%w: no live entry for %s %s", shared.ErrUndoNotFound, kind, entityID)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.After(live[j].CreatedAt) })
	return live[0], nil
}

// Superseded rows stay in the table, mirroring the SQL repository.
func (r *memoryUndoRepo) Supersede(ctx context.Context, kind EntityKind, entityID uuid.UUID) error {
	for id, e := range r.entries {
		if e.EntityKind == kind && e.EntityID == entityID && e.UndoneAt == nil && !e.Superseded {
			e.Superseded = true
			r.entries[id] = e
		}
	}
	return nil
}

func (r *memoryUndoRepo) MarkUndone(ctx context.Context, id uuid.UUID, at time.Time) error {
	entry, ok := r.entries[id]
	if !ok || entry.UndoneAt != nil {
		return fmt.Errorf("%w: entry %s", shared.ErrUndoNotFound, id)
	}
	entry.UndoneAt = &at
	r.entries[id] = entry
	return nil
}

func (r *memoryUndoRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	for id, e := range r.entries {
		if e.ExpiresAt.Before(cutoff) {
			delete(r.entries, id)
			deleted++
		}
	}
	return deleted, nil
}

type fakeRestorer struct {
	invoiceRestores []billing.InvoiceRestore
	drawRestores    []billing.DrawRestore
}

func (f *fakeRestorer) RestoreInvoice(ctx context.Context, invoiceID uuid.UUID, restore billing.InvoiceRestore) (billing.Invoice, error) {
	f.invoiceRestores = append(f.invoiceRestores, restore)
	return billing.Invoice{ID: invoiceID, Status: restore.Status}, nil
}

func (f *fakeRestorer) RestoreDraw(ctx context.Context, drawID uuid.UUID, restore billing.DrawRestore) (billing.Draw, error) {
	f.drawRestores = append(f.drawRestores, restore)
	return billing.Draw{ID: drawID, Status: restore.Status}, nil
}

func newTestService(t *testing.T) (*Service, *memoryUndoRepo, *fakeRestorer, *time.Time) {
	t.Helper()
	repo := newMemoryUndoRepo()
	restorer := &fakeRestorer{}
	svc := NewService(slog.New(slog.DiscardHandler), repo, restorer, 30*time.Second)
	current := time.Now()
	svc.now = func() time.Time { return current }
	return svc, repo, restorer, &current
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleInvoice() billing.Invoice {
	return billing.Invoice{
		ID:           uuid.New(),
		JobID:        uuid.New(),
		Status:       billing.InvoiceNeedsApproval,
		Amount:       dec("5000.00"),
		BilledAmount: decimal.Zero,
		PaidAmount:   decimal.Zero,
	}
}

func TestExecuteRestoresInvoiceWithinWindow(t *testing.T) {
	svc, _, restorer, clock := newTestService(t)
	ctx := context.Background()
	inv := sampleInvoice()
	lineID := uuid.New()

	err := svc.CaptureInvoice(ctx, inv, billing.ActionApprove,
		[]billing.POAdjustment{{LineID: lineID, Amount: dec("5000.00")}}, "pm-1")
	require.NoError(t, err)

	entry, err := svc.Available(ctx, KindInvoice, inv.ID)
	require.NoError(t, err)
	require.Equal(t, billing.ActionApprove, entry.Action)

	// 29 seconds in: still reversible.
	*clock = clock.Add(29 * time.Second)
	executed, err := svc.Execute(ctx, entry.ID, "pm-1")
	require.NoError(t, err)
	require.NotNil(t, executed.UndoneAt)

	require.Len(t, restorer.invoiceRestores, 1)
	restore := restorer.invoiceRestores[0]
	require.Equal(t, billing.InvoiceNeedsApproval, restore.Status)
	require.Len(t, restore.POAdjustments, 1)
	require.Equal(t, lineID, restore.POAdjustments[0].LineID)
	require.True(t, restore.POAdjustments[0].Amount.Equal(dec("5000.00")))
}

func TestExecuteAfterWindowExpires(t *testing.T) {
	svc, _, restorer, clock := newTestService(t)
	ctx := context.Background()
	inv := sampleInvoice()

	require.NoError(t, svc.CaptureInvoice(ctx, inv, billing.ActionApprove, nil, "pm-1"))
	entry, err := svc.Available(ctx, KindInvoice, inv.ID)
	require.NoError(t, err)

	*clock = clock.Add(30 * time.Second)
	_, err = svc.Execute(ctx, entry.ID, "pm-1")
	require.ErrorIs(t, err, shared.ErrUndoExpired)
	require.Empty(t, restorer.invoiceRestores)

	_, err = svc.Available(ctx, KindInvoice, inv.ID)
	require.ErrorIs(t, err, shared.ErrUndoExpired)
}

func TestExecuteConsumedEntry(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	inv := sampleInvoice()

	require.NoError(t, svc.CaptureInvoice(ctx, inv, billing.ActionDeny, nil, "pm-1"))
	entry, err := svc.Available(ctx, KindInvoice, inv.ID)
	require.NoError(t, err)

	_, err = svc.Execute(ctx, entry.ID, "pm-1")
	require.NoError(t, err)
	_, err = svc.Execute(ctx, entry.ID, "pm-1")
	require.ErrorIs(t, err, shared.ErrUndoNotFound)
}

func TestCaptureSupersedesPriorEntry(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()
	inv := sampleInvoice()

	require.NoError(t, svc.CaptureInvoice(ctx, inv, billing.ActionApprove, nil, "pm-1"))
	require.NoError(t, svc.CaptureInvoice(ctx, inv, billing.ActionDeny, nil, "pm-2"))

	entry, err := svc.Available(ctx, KindInvoice, inv.ID)
	require.NoError(t, err)
	require.Equal(t, billing.ActionDeny, entry.Action)

	var superseded int
	for _, e := range repo.entries {
		if e.Superseded {
			superseded++
		}
	}
	require.Equal(t, 1, superseded)
}

func TestExecuteSupersededEntry(t *testing.T) {
	svc, _, restorer, _ := newTestService(t)
	ctx := context.Background()
	inv := sampleInvoice()

	require.NoError(t, svc.CaptureInvoice(ctx, inv, billing.ActionApprove, nil, "pm-1"))
	first, err := svc.Available(ctx, KindInvoice, inv.ID)
	require.NoError(t, err)

	// A later action on the same invoice retires the first entry. Executing
	// it by id must fail even though its row still exists and its window is
	// open, otherwise stale state could be restored.
	require.NoError(t, svc.CaptureInvoice(ctx, inv, billing.ActionDeny, nil, "pm-2"))
	_, err = svc.Execute(ctx, first.ID, "pm-1")
	require.ErrorIs(t, err, shared.ErrUndoNotFound)
	require.Empty(t, restorer.invoiceRestores)

	second, err := svc.Available(ctx, KindInvoice, inv.ID)
	require.NoError(t, err)
	_, err = svc.Execute(ctx, second.ID, "pm-2")
	require.NoError(t, err)
	require.Len(t, restorer.invoiceRestores, 1)
}

func TestExecuteRestoresDraw(t *testing.T) {
	svc, _, restorer, _ := newTestService(t)
	ctx := context.Background()
	draw := billing.Draw{
		ID:          uuid.New(),
		JobID:       uuid.New(),
		DrawNumber:  3,
		Status:      billing.DrawSubmitted,
		TotalAmount: dec("6000.00"),
	}

	require.NoError(t, svc.CaptureDraw(ctx, draw, billing.ActionFund, "controller-1"))
	entry, err := svc.Available(ctx, KindDraw, draw.ID)
	require.NoError(t, err)

	_, err = svc.Execute(ctx, entry.ID, "controller-1")
	require.NoError(t, err)
	require.Len(t, restorer.drawRestores, 1)
	require.Equal(t, billing.DrawSubmitted, restorer.drawRestores[0].Status)
	require.Nil(t, restorer.drawRestores[0].FundedAmount)
}

func TestPurgeExpired(t *testing.T) {
	svc, repo, _, clock := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CaptureInvoice(ctx, sampleInvoice(), billing.ActionApprove, nil, "pm-1"))
	*clock = clock.Add(31 * time.Second)
	require.NoError(t, svc.CaptureInvoice(ctx, sampleInvoice(), billing.ActionApprove, nil, "pm-1"))

	deleted, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
	require.Len(t, repo.entries, 1)
}
