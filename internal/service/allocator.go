package service

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/detective-arena/api/internal/model"
)

// opponentPool builds the candidate opponents for one player: every other
// registered player plus every bot except the one impersonating the player
// themselves (facing your own clone would be a giveaway).
func opponentPool(p *model.Player, players []model.Player, bots []model.Bot) []model.Opponent {
	pool := make([]model.Opponent, 0, len(players)+len(bots))
	for i := range players {
		if players[i].Fid == p.Fid {
			continue
		}
		pool = append(pool, model.Opponent{
			Type:        model.OpponentReal,
			Fid:         players[i].Fid,
			DisplayName: players[i].DisplayName,
		})
	}
	for i := range bots {
		if bots[i].PersonaFid == p.Fid {
			continue
		}
		pool = append(pool, model.Opponent{
			Type:        model.OpponentBot,
			Fid:         bots[i].Fid,
			DisplayName: bots[i].DisplayName,
		})
	}
	return pool
}

// pickOpponents selects up to width opponents for the player, preferring
// ones not yet faced this cycle. Tie-break is deterministic: sort by
// (faced-before ascending, fid ascending) and take the head of the list.
// Fewer than width candidates is not an error; repeats across rounds are
// allowed once the unfaced pool is exhausted.
func pickOpponents(p *model.Player, pool []model.Opponent, width int) []model.Opponent {
	sorted := make([]model.Opponent, len(pool))
	copy(sorted, pool)
	sort.Slice(sorted, func(i, j int) bool {
		fi, fj := p.HasFaced(sorted[i].Fid), p.HasFaced(sorted[j].Fid)
		if fi != fj {
			return !fi
		}
		return sorted[i].Fid < sorted[j].Fid
	})
	if len(sorted) > width {
		sorted = sorted[:width]
	}
	return sorted
}

// buildPlayerMatches creates the match records for one player's round. Every
// match in a round shares the same start and deadline.
func buildPlayerMatches(cycleID string, p *model.Player, opponents []model.Opponent, roundNumber int, now time.Time, matchDuration time.Duration) []model.Match {
	matches := make([]model.Match, 0, len(opponents))
	for slot, opp := range opponents {
		matches = append(matches, model.Match{
			ID:          uuid.NewString(),
			CycleID:     cycleID,
			PlayerFid:   p.Fid,
			Opponent:    opp,
			SlotNumber:  slot + 1,
			RoundNumber: roundNumber,
			StartTime:   now,
			EndTime:     now.Add(matchDuration),
		})
	}
	return matches
}

// AllocateRound partitions the roster into one round of simultaneous 1:1
// matches: up to width opponents per player, drawn from the other players
// and the bot pool. Players are processed in fid order so allocation is
// deterministic for a given roster.
func AllocateRound(cycleID string, players []model.Player, bots []model.Bot, roundNumber, width int, now time.Time, matchDuration time.Duration) []model.Match {
	ordered := make([]model.Player, len(players))
	copy(ordered, players)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Fid < ordered[j].Fid })

	var matches []model.Match
	for i := range ordered {
		p := &ordered[i]
		opponents := pickOpponents(p, opponentPool(p, players, bots), width)
		matches = append(matches, buildPlayerMatches(cycleID, p, opponents, roundNumber, now, matchDuration)...)
	}
	return matches
}

// AllocatePlayerRound builds the next round for a single player, used by the
// lazy per-player round advance once all of their current matches are locked.
func AllocatePlayerRound(cycleID string, p *model.Player, players []model.Player, bots []model.Bot, roundNumber, width int, now time.Time, matchDuration time.Duration) []model.Match {
	opponents := pickOpponents(p, opponentPool(p, players, bots), width)
	return buildPlayerMatches(cycleID, p, opponents, roundNumber, now, matchDuration)
}

// ComputeTotalRounds bounds the number of rounds by both the live window and
// the opponent pool: min(floor(live/match), ceil((players-1 + bots-1)/width)).
func ComputeTotalRounds(playerCount, botCount, width int, liveDuration, matchDuration time.Duration) int {
	if width <= 0 || matchDuration <= 0 {
		return 0
	}
	timeBound := int(liveDuration / matchDuration)
	poolSize := playerCount - 1 + botCount - 1
	if poolSize < 0 {
		poolSize = 0
	}
	poolBound := (poolSize + width - 1) / width
	if poolBound < timeBound {
		return poolBound
	}
	return timeBound
}
