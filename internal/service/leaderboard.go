package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/repository"
)

// LeaderboardService folds finished cycles into the persistent stats store
// and serves ranking reads. Live game state never depends on it.
type LeaderboardService struct {
	store   repository.GameStore
	stats   repository.StatsRepository
	matches *MatchService
}

// NewLeaderboardService creates a LeaderboardService.
func NewLeaderboardService(store repository.GameStore, stats repository.StatsRepository, matches *MatchService) *LeaderboardService {
	return &LeaderboardService{store: store, stats: stats, matches: matches}
}

// AggregateCycle scores every match of the cycle and merges the results
// into long-term stats. Matches still open at the live deadline are locked
// first, scoring their default votes. The stats write is once-per-cycle;
// a retried transition finds the cycle already recorded and does nothing.
func (s *LeaderboardService) AggregateCycle(ctx context.Context, cycle *model.GameCycle) error {
	matches, err := s.store.ListMatches(ctx, cycle.ID)
	if err != nil {
		return fmt.Errorf("list matches: %w", err)
	}

	for i := range matches {
		if matches[i].VoteLocked {
			continue
		}
		locked, err := s.matches.lockMatch(ctx, &matches[i])
		if err != nil {
			return fmt.Errorf("lock straggler %s: %w", matches[i].ID, err)
		}
		matches[i] = *locked
	}

	players, err := s.store.ListPlayers(ctx, cycle.ID)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}
	bots, err := s.store.ListBots(ctx, cycle.ID)
	if err != nil {
		return fmt.Errorf("list bots: %w", err)
	}

	playerResults, botResults := foldResults(matches, players, bots)
	recorded, err := s.stats.RecordCycleResults(ctx, cycle.ID, playerResults, botResults)
	if err != nil {
		return fmt.Errorf("record cycle results: %w", err)
	}
	if recorded {
		log.Info().Str("cycleId", cycle.ID).Int("players", len(playerResults)).
			Int("bots", len(botResults)).Msg("Cycle results recorded")
	}
	return nil
}

// foldResults reduces locked matches into per-player and per-bot deltas for
// one cycle. A bot is "fooled" a human when the human's effective vote
// called it real.
func foldResults(matches []model.Match, players []model.Player, bots []model.Bot) ([]model.PlayerCycleResult, []model.BotCycleResult) {
	playerAcc := make(map[string]*model.PlayerCycleResult, len(players))
	for i := range players {
		playerAcc[players[i].Fid] = &model.PlayerCycleResult{
			Fid:         players[i].Fid,
			DisplayName: players[i].DisplayName,
		}
	}
	botAcc := make(map[string]*model.BotCycleResult, len(bots))
	for i := range bots {
		botAcc[bots[i].Fid] = &model.BotCycleResult{
			Fid:        bots[i].Fid,
			PersonaFid: bots[i].PersonaFid,
		}
	}

	for i := range matches {
		m := &matches[i]
		if !m.VoteLocked {
			continue
		}
		if acc, ok := playerAcc[m.PlayerFid]; ok {
			acc.Matches++
			if m.IsCorrect != nil && *m.IsCorrect {
				acc.Correct++
			}
			acc.TotalResponseMs += responseMs(m)
			if n := len(m.VoteHistory); n > 1 {
				acc.VoteChanges += n - 1
			}
		}
		if m.Opponent.Type == model.OpponentBot {
			if acc, ok := botAcc[m.Opponent.Fid]; ok {
				acc.Interactions++
				if m.EffectiveVote() == model.VoteReal {
					acc.Fooled++
				}
			}
		}
	}

	playerResults := make([]model.PlayerCycleResult, 0, len(playerAcc))
	for _, p := range players {
		if acc := playerAcc[p.Fid]; acc.Matches > 0 {
			playerResults = append(playerResults, *acc)
		}
	}
	botResults := make([]model.BotCycleResult, 0, len(botAcc))
	for _, b := range bots {
		if acc := botAcc[b.Fid]; acc.Interactions > 0 {
			botResults = append(botResults, *acc)
		}
	}
	return playerResults, botResults
}

// TopPlayers returns the ranking, best accuracy first, faster average
// response breaking ties.
func (s *LeaderboardService) TopPlayers(ctx context.Context, limit int) ([]model.PlayerStats, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.stats.TopPlayers(ctx, limit)
}

// PlayerStats returns one player's long-term record.
func (s *LeaderboardService) PlayerStats(ctx context.Context, fid string) (*model.PlayerStats, error) {
	stats, err := s.stats.PlayerStats(ctx, fid)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, fmt.Errorf("stats for %s: %w", fid, repository.ErrNotFound)
	}
	return stats, nil
}

// TopBots returns bot personas ranked by deception rating.
func (s *LeaderboardService) TopBots(ctx context.Context, limit int) ([]model.BotStats, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.stats.TopBots(ctx, limit)
}
