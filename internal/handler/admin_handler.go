package handler

import (
	"errors"
	"net/http"

	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/service"
)

// AdminHandler handles operator overrides of the cycle state machine.
type AdminHandler struct {
	cycleSvc *service.CycleService
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(cycleSvc *service.CycleService) *AdminHandler {
	return &AdminHandler{cycleSvc: cycleSvc}
}

// ForceTransition handles POST /api/v1/admin/cycle/transition
func (h *AdminHandler) ForceTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase model.Phase `json:"phase"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cycle, err := h.cycleSvc.ForceTransition(r.Context(), req.Phase)
	if err != nil {
		if errors.Is(err, service.ErrInvalidTransition) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cycle)
}

// ResetCycle handles POST /api/v1/admin/cycle/reset
func (h *AdminHandler) ResetCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := h.cycleSvc.Reset(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cycle)
}
