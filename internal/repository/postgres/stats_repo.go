package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/detective-arena/api/internal/model"
)

// StatsRepo persists long-term leaderboard statistics.
type StatsRepo struct {
	db *sql.DB
}

// NewStatsRepo creates a StatsRepo.
func NewStatsRepo(db *sql.DB) *StatsRepo {
	return &StatsRepo{db: db}
}

// RecordCycleResults merges one finished cycle's deltas into running stats.
// The aggregated_cycles row acts as an idempotency marker: a retried
// transition that already recorded this cycle returns (false, nil) and
// writes nothing, so results are never double-counted.
func (r *StatsRepo) RecordCycleResults(ctx context.Context, cycleID string, players []model.PlayerCycleResult, bots []model.BotCycleResult) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin stats tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO aggregated_cycles (cycle_id) VALUES ($1) ON CONFLICT DO NOTHING`, cycleID)
	if err != nil {
		return false, fmt.Errorf("mark cycle aggregated: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	for _, p := range players {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO player_stats (fid, display_name, cycles_played, matches, correct, total_response_ms, vote_changes, updated_at)
			 VALUES ($1, $2, 1, $3, $4, $5, $6, now())
			 ON CONFLICT (fid) DO UPDATE SET
			   display_name      = EXCLUDED.display_name,
			   cycles_played     = player_stats.cycles_played + 1,
			   matches           = player_stats.matches + EXCLUDED.matches,
			   correct           = player_stats.correct + EXCLUDED.correct,
			   total_response_ms = player_stats.total_response_ms + EXCLUDED.total_response_ms,
			   vote_changes      = player_stats.vote_changes + EXCLUDED.vote_changes,
			   updated_at        = now()`,
			p.Fid, p.DisplayName, p.Matches, p.Correct, p.TotalResponseMs, p.VoteChanges)
		if err != nil {
			return false, fmt.Errorf("upsert player stats for %s: %w", p.Fid, err)
		}
	}

	for _, b := range bots {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bot_stats (fid, persona_fid, interactions, fooled, updated_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (fid) DO UPDATE SET
			   interactions = bot_stats.interactions + EXCLUDED.interactions,
			   fooled       = bot_stats.fooled + EXCLUDED.fooled,
			   updated_at   = now()`,
			b.Fid, b.PersonaFid, b.Interactions, b.Fooled)
		if err != nil {
			return false, fmt.Errorf("upsert bot stats for %s: %w", b.Fid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit stats tx: %w", err)
	}
	return true, nil
}

// TopPlayers returns the leaderboard ordered by accuracy, then speed.
func (r *StatsRepo) TopPlayers(ctx context.Context, limit int) ([]model.PlayerStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT fid, display_name, cycles_played, matches, correct, total_response_ms, vote_changes, updated_at
		 FROM player_stats
		 WHERE matches > 0
		 ORDER BY correct::float / matches DESC, total_response_ms / matches ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list top players: %w", err)
	}
	defer rows.Close()

	var stats []model.PlayerStats
	for rows.Next() {
		s, err := scanPlayerStats(rows)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *s)
	}
	return stats, rows.Err()
}

// PlayerStats returns one player's running stats, or nil when absent.
func (r *StatsRepo) PlayerStats(ctx context.Context, fid string) (*model.PlayerStats, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT fid, display_name, cycles_played, matches, correct, total_response_ms, vote_changes, updated_at
		 FROM player_stats WHERE fid = $1`, fid)
	s, err := scanPlayerStats(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// TopBots returns bot personas ordered by deception rating.
func (r *StatsRepo) TopBots(ctx context.Context, limit int) ([]model.BotStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT fid, persona_fid, interactions, fooled, updated_at
		 FROM bot_stats
		 WHERE interactions > 0
		 ORDER BY fooled::float / interactions DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list top bots: %w", err)
	}
	defer rows.Close()

	var stats []model.BotStats
	for rows.Next() {
		var b model.BotStats
		var persona sql.NullString
		if err := rows.Scan(&b.Fid, &persona, &b.Interactions, &b.FooledCount, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan bot stats: %w", err)
		}
		b.PersonaFid = persona.String
		b.DeceptionRating = model.DeceptionRating(b.FooledCount, b.Interactions)
		stats = append(stats, b)
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlayerStats(row rowScanner) (*model.PlayerStats, error) {
	var s model.PlayerStats
	var totalResponseMs int64
	if err := row.Scan(&s.Fid, &s.DisplayName, &s.CyclesPlayed, &s.Matches, &s.Correct, &totalResponseMs, &s.VoteChanges, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan player stats: %w", err)
	}
	if s.Matches > 0 {
		s.AvgResponseMs = totalResponseMs / int64(s.Matches)
	}
	s.HumanityVerified = model.HumanityVerified(s.Correct, s.Matches, s.AvgResponseMs)
	return &s, nil
}
