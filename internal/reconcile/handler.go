package reconcile

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

// Handler exposes reconciliation endpoints.
type Handler struct {
	logger  *slog.Logger
	checker *Checker
	repo    Repository
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, checker *Checker, repo Repository) *Handler {
	return &Handler{logger: logger, checker: checker, repo: repo}
}

// MountRoutes registers reconciliation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/jobs/{jobID}/reconcile", h.runJob)
	r.Get("/jobs/{jobID}/reconcile", h.latestReport)
}

func (h *Handler) runJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, shared.Validationf("bad jobID"))
		return
	}
	report, err := h.checker.ReconcileJob(r.Context(), jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) latestReport(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, shared.Validationf("bad jobID"))
		return
	}
	report, err := h.repo.GetLatestReport(r.Context(), jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := shared.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("reconcile request failed", "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
