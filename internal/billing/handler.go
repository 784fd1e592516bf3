package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

// Handler exposes the billing API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	locker   *shared.Locker
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, locker *shared.Locker) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		locker:   locker,
		validate: validator.New(),
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices/{id}", func(r chi.Router) {
		r.Get("/", h.getInvoice)
		r.Post("/code", h.codeInvoice)
		r.Post("/approve", h.approveInvoice)
		r.Post("/deny", h.denyInvoice)
		r.Post("/unapprove", h.unapproveInvoice)
		r.Post("/unpay", h.unpayInvoice)
	})
	r.Get("/jobs/{jobID}/budget", h.listBudget)
	r.Get("/jobs/{jobID}/draws", h.listDraws)
	r.Post("/jobs/{jobID}/draws", h.createDraw)
	r.Route("/draws/{id}", func(r chi.Router) {
		r.Get("/", h.getDraw)
		r.Get("/export.csv", h.exportDrawCSV)
		r.Post("/invoices", h.addInvoicesToDraw)
		r.Delete("/invoices/{invoiceID}", h.removeInvoiceFromDraw)
		r.Post("/change-orders", h.addChangeOrderToDraw)
		r.Post("/submit", h.submitDraw)
		r.Post("/unsubmit", h.unsubmitDraw)
		r.Post("/fund", h.fundDraw)
	})
}

type allocationRequest struct {
	CostCodeID    uuid.UUID  `json:"cost_code_id" validate:"required"`
	Amount        string     `json:"amount" validate:"required"`
	ChangeOrderID *uuid.UUID `json:"change_order_id"`
}

type codeInvoiceRequest struct {
	Allocations []allocationRequest `json:"allocations" validate:"required,min=1,dive"`
}

type approveInvoiceRequest struct {
	Partial bool `json:"partial"`
}

type denyInvoiceRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type addInvoicesRequest struct {
	InvoiceIDs []uuid.UUID `json:"invoice_ids" validate:"required,min=1"`
}

type addChangeOrderRequest struct {
	ChangeOrderID uuid.UUID `json:"change_order_id" validate:"required"`
	Amount        string    `json:"amount" validate:"required"`
}

type fundDrawRequest struct {
	FundedAmount string `json:"funded_amount" validate:"required"`
}

type invoiceResponse struct {
	Invoice     Invoice      `json:"invoice"`
	Allocations []Allocation `json:"allocations,omitempty"`
}

type drawResponse struct {
	Draw        Draw             `json:"draw"`
	Allocations []DrawAllocation `json:"allocations,omitempty"`
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	inv, allocations, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, invoiceResponse{Invoice: inv, Allocations: allocations})
}

func (h *Handler) codeInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req codeInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	allocations := make([]AllocationInput, 0, len(req.Allocations))
	for _, a := range req.Allocations {
		amount, err := decimal.NewFromString(a.Amount)
		if err != nil {
			h.writeError(w, r, shared.Validationf("bad allocation amount %q", a.Amount))
			return
		}
		allocations = append(allocations, AllocationInput{
			CostCodeID:    a.CostCodeID,
			Amount:        amount,
			ChangeOrderID: a.ChangeOrderID,
		})
	}
	h.withLock(w, r, "invoice", id, func() {
		inv, err := h.service.CodeInvoice(r.Context(), CodeInvoiceInput{
			InvoiceID:   id,
			Allocations: allocations,
			ActorID:     shared.ActorFromContext(r.Context()),
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, invoiceResponse{Invoice: inv})
	})
}

func (h *Handler) approveInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req approveInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.withLock(w, r, "invoice", id, func() {
		inv, err := h.service.ApproveInvoice(r.Context(), ApproveInvoiceInput{
			InvoiceID:  id,
			ApprovedBy: shared.ActorFromContext(r.Context()),
			Partial:    req.Partial,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, invoiceResponse{Invoice: inv})
	})
}

func (h *Handler) denyInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req denyInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.withLock(w, r, "invoice", id, func() {
		inv, err := h.service.DenyInvoice(r.Context(), DenyInvoiceInput{
			InvoiceID:   id,
			Reason:      req.Reason,
			PerformedBy: shared.ActorFromContext(r.Context()),
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, invoiceResponse{Invoice: inv})
	})
}

func (h *Handler) unapproveInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceTransition(w, r, h.service.UnapproveInvoice)
}

func (h *Handler) unpayInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceTransition(w, r, h.service.UnpayInvoice)
}

func (h *Handler) invoiceTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, string) (Invoice, error)) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	h.withLock(w, r, "invoice", id, func() {
		inv, err := op(r.Context(), id, shared.ActorFromContext(r.Context()))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, invoiceResponse{Invoice: inv})
	})
}

func (h *Handler) drawTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, string) (Draw, error)) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	h.withLock(w, r, "draw", id, func() {
		draw, err := op(r.Context(), id, shared.ActorFromContext(r.Context()))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, drawResponse{Draw: draw})
	})
}

func (h *Handler) listBudget(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.uuidParam(w, r, "jobID")
	if !ok {
		return
	}
	lines, err := h.service.ListBudgetLines(r.Context(), jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type budgetLineResponse struct {
		BudgetLine
		Projected decimal.Decimal `json:"projected"`
	}
	out := make([]budgetLineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, budgetLineResponse{BudgetLine: l, Projected: l.Projected()})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"budget_lines": out})
}

func (h *Handler) listDraws(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.uuidParam(w, r, "jobID")
	if !ok {
		return
	}
	draws, err := h.service.ListDraws(r.Context(), jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"draws": draws})
}

func (h *Handler) createDraw(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.uuidParam(w, r, "jobID")
	if !ok {
		return
	}
	h.withLock(w, r, "job", jobID, func() {
		draw, err := h.service.CreateDraw(r.Context(), CreateDrawInput{
			JobID:   jobID,
			ActorID: shared.ActorFromContext(r.Context()),
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, drawResponse{Draw: draw})
	})
}

func (h *Handler) getDraw(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	draw, allocations, err := h.service.GetDraw(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, drawResponse{Draw: draw, Allocations: allocations})
}

func (h *Handler) addInvoicesToDraw(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req addInvoicesRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.withLock(w, r, "draw", id, func() {
		draw, err := h.service.AddInvoicesToDraw(r.Context(), id, req.InvoiceIDs, shared.ActorFromContext(r.Context()))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, drawResponse{Draw: draw})
	})
}

func (h *Handler) removeInvoiceFromDraw(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	invoiceID, ok := h.uuidParam(w, r, "invoiceID")
	if !ok {
		return
	}
	h.withLock(w, r, "draw", id, func() {
		draw, err := h.service.RemoveInvoiceFromDraw(r.Context(), id, invoiceID, shared.ActorFromContext(r.Context()))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, drawResponse{Draw: draw})
	})
}

func (h *Handler) addChangeOrderToDraw(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req addChangeOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.writeError(w, r, shared.Validationf("bad amount %q", req.Amount))
		return
	}
	h.withLock(w, r, "draw", id, func() {
		draw, err := h.service.AddChangeOrderToDraw(r.Context(), id, req.ChangeOrderID, amount, shared.ActorFromContext(r.Context()))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, drawResponse{Draw: draw})
	})
}

func (h *Handler) submitDraw(w http.ResponseWriter, r *http.Request) {
	h.drawTransition(w, r, h.service.SubmitDraw)
}

func (h *Handler) unsubmitDraw(w http.ResponseWriter, r *http.Request) {
	h.drawTransition(w, r, h.service.UnsubmitDraw)
}

func (h *Handler) fundDraw(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req fundDrawRequest
	if !h.decode(w, r, &req) {
		return
	}
	funded, err := decimal.NewFromString(req.FundedAmount)
	if err != nil {
		h.writeError(w, r, shared.Validationf("bad funded amount %q", req.FundedAmount))
		return
	}
	h.withLock(w, r, "draw", id, func() {
		draw, err := h.service.FundDraw(r.Context(), id, funded, shared.ActorFromContext(r.Context()))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, drawResponse{Draw: draw})
	})
}

// --- helpers ---

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, r, shared.Validationf("bad %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, shared.Validationf("bad request body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) && len(vErrs) > 0 {
			h.writeError(w, r, shared.Validationf("invalid field %s", vErrs[0].Field()))
			return false
		}
		h.writeError(w, r, shared.Validationf("invalid request"))
		return false
	}
	return true
}

// withLock runs fn under the entity's advisory lock. Contention fails fast
// with a conflict instead of queueing.
func (h *Handler) withLock(w http.ResponseWriter, r *http.Request, entityType string, entityID uuid.UUID, fn func()) {
	owner := shared.ActorFromContext(r.Context())
	if owner == "" {
		owner = "anonymous"
	}
	if err := h.locker.Acquire(r.Context(), entityType, entityID, owner); err != nil {
		h.writeError(w, r, err)
		return
	}
	defer func() {
		if err := h.locker.Release(r.Context(), entityType, entityID, owner); err != nil {
			h.logger.Warn("release lock", "entity", entityType, "id", entityID, "error", err)
		}
	}()
	fn()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := shared.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("billing request failed", "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
