package handler

import (
	"errors"
	"net/http"

	"github.com/detective-arena/api/internal/auth"
	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/service"
)

// MatchHandler handles match, chat, and vote endpoints.
type MatchHandler struct {
	matchSvc *service.MatchService
}

// NewMatchHandler creates a MatchHandler.
func NewMatchHandler(matchSvc *service.MatchService) *MatchHandler {
	return &MatchHandler{matchSvc: matchSvc}
}

// ListMatches handles GET /api/v1/matches — the caller's matches for the
// current cycle, next round included once the previous one is done.
func (h *MatchHandler) ListMatches(w http.ResponseWriter, r *http.Request) {
	fid := auth.FidFromContext(r.Context())
	matches, err := h.matchSvc.ListPlayerMatches(r.Context(), fid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if matches == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// GetMatch handles GET /api/v1/matches/{id}
func (h *MatchHandler) GetMatch(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	fid := auth.FidFromContext(r.Context())

	match, err := h.matchSvc.GetMatch(r.Context(), matchID, fid)
	if err != nil {
		writeMatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// SendMessage handles POST /api/v1/matches/{id}/messages
func (h *MatchHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	fid := auth.FidFromContext(r.Context())

	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	match, err := h.matchSvc.AddMessage(r.Context(), matchID, fid, req.Text)
	if err != nil {
		if errors.Is(err, service.ErrEmptyMessage) {
			writeError(w, http.StatusBadRequest, "text is required")
			return
		}
		writeMatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, match)
}

// UpdateVote handles PUT /api/v1/matches/{id}/vote
func (h *MatchHandler) UpdateVote(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	fid := auth.FidFromContext(r.Context())

	var req struct {
		Vote model.Vote `json:"vote"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	match, err := h.matchSvc.UpdateVote(r.Context(), matchID, fid, req.Vote)
	if err != nil {
		if errors.Is(err, service.ErrInvalidVote) {
			writeError(w, http.StatusBadRequest, `vote must be "real" or "bot"`)
			return
		}
		writeMatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// LockVote handles POST /api/v1/matches/{id}/lock
func (h *MatchHandler) LockVote(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	fid := auth.FidFromContext(r.Context())

	match, err := h.matchSvc.LockVote(r.Context(), matchID, fid)
	if err != nil {
		writeMatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// writeMatchError maps match service sentinels onto HTTP statuses.
func writeMatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrMatchNotFound):
		writeError(w, http.StatusNotFound, "match not found")
	case errors.Is(err, service.ErrWrongPlayer):
		writeError(w, http.StatusForbidden, "not your match")
	case errors.Is(err, service.ErrMatchLocked):
		writeError(w, http.StatusConflict, "match is locked")
	case errors.Is(err, service.ErrVoteClosed):
		writeError(w, http.StatusConflict, "match deadline has passed")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
