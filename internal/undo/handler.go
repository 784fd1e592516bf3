package undo

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

// Handler exposes the undo API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers undo routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/undo/{kind}/{entityID}", h.available)
	r.Post("/undo/{id}/execute", h.execute)
}

func (h *Handler) available(w http.ResponseWriter, r *http.Request) {
	kind := EntityKind(chi.URLParam(r, "kind"))
	if kind != KindInvoice && kind != KindDraw {
		h.writeError(w, shared.Validationf("unknown entity kind %q", kind))
		return
	}
	entityID, err := uuid.Parse(chi.URLParam(r, "entityID"))
	if err != nil {
		h.writeError(w, shared.Validationf("bad entityID"))
		return
	}
	entry, err := h.service.Available(r.Context(), kind, entityID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, shared.Validationf("bad id"))
		return
	}
	entry, err := h.service.Execute(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
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
		h.logger.Error("undo request failed", "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
