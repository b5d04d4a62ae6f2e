package handler

import (
	"errors"
	"net/http"

	"github.com/detective-arena/api/internal/auth"
	"github.com/detective-arena/api/internal/service"
)

// CycleHandler handles cycle state and registration endpoints.
type CycleHandler struct {
	cycleSvc  *service.CycleService
	rosterSvc *service.RosterService
}

// NewCycleHandler creates a CycleHandler.
func NewCycleHandler(cycleSvc *service.CycleService, rosterSvc *service.RosterService) *CycleHandler {
	return &CycleHandler{cycleSvc: cycleSvc, rosterSvc: rosterSvc}
}

// GetCycle handles GET /api/v1/cycle. Reading the cycle also advances it
// through any transition whose time has come.
func (h *CycleHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := h.cycleSvc.AdvanceIfDue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cycle)
}

// Register handles POST /api/v1/cycle/register
func (h *CycleHandler) Register(w http.ResponseWriter, r *http.Request) {
	fid := auth.FidFromContext(r.Context())

	player, err := h.rosterSvc.RegisterPlayer(r.Context(), fid)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCycleNotAcceptingRegistrations):
			writeError(w, http.StatusConflict, "registration is closed")
		case errors.Is(err, service.ErrDuplicateRegistration):
			writeError(w, http.StatusConflict, "already registered")
		case errors.Is(err, service.ErrRosterFull):
			writeError(w, http.StatusConflict, "roster is full")
		case errors.Is(err, service.ErrUnknownIdentity):
			writeError(w, http.StatusNotFound, "unknown fid")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, player)
}

// RegisterAgent handles POST /api/v1/cycle/agents (controller key required).
func (h *CycleHandler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName       string `json:"display_name"`
		ControllerAddress string `json:"controller_address"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DisplayName == "" || req.ControllerAddress == "" {
		writeError(w, http.StatusBadRequest, "display_name and controller_address are required")
		return
	}

	bot, err := h.rosterSvc.RegisterAgent(r.Context(), req.DisplayName, req.ControllerAddress)
	if err != nil {
		if errors.Is(err, service.ErrCycleNotAcceptingRegistrations) {
			writeError(w, http.StatusConflict, "registration is closed")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, bot)
}

// ListPlayers handles GET /api/v1/cycle/players
func (h *CycleHandler) ListPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := h.rosterSvc.ListPlayers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if players == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, players)
}
