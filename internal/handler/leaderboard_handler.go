package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/detective-arena/api/internal/repository"
	"github.com/detective-arena/api/internal/service"
)

// LeaderboardHandler serves long-term ranking reads.
type LeaderboardHandler struct {
	leaderboardSvc *service.LeaderboardService
}

// NewLeaderboardHandler creates a LeaderboardHandler.
func NewLeaderboardHandler(leaderboardSvc *service.LeaderboardService) *LeaderboardHandler {
	return &LeaderboardHandler{leaderboardSvc: leaderboardSvc}
}

// TopPlayers handles GET /api/v1/leaderboard
func (h *LeaderboardHandler) TopPlayers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	players, err := h.leaderboardSvc.TopPlayers(r.Context(), limit)
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

// TopBots handles GET /api/v1/leaderboard/bots
func (h *LeaderboardHandler) TopBots(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	bots, err := h.leaderboardSvc.TopBots(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bots == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, bots)
}

// PlayerStats handles GET /api/v1/leaderboard/players/{fid}
func (h *LeaderboardHandler) PlayerStats(w http.ResponseWriter, r *http.Request) {
	fid := r.PathValue("fid")
	stats, err := h.leaderboardSvc.PlayerStats(r.Context(), fid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no stats for player")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
