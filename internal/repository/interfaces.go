package repository

import (
	"context"
	"errors"
	"time"

	"github.com/detective-arena/api/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// GameStore is the shared state store holding the canonical cycle, roster,
// match, and scheduled-reply records. All implementations must provide
// atomic create-if-absent and conditional-write semantics: concurrent
// stateless handlers on different hosts coordinate exclusively through it.
//
// UpdateX methods load the current record, apply mutate, and commit only if
// the record was not modified concurrently (retrying the whole callback on
// contention). A non-nil error from mutate abandons the write; the error is
// returned to the caller together with the freshly loaded record so racers
// can observe the state that beat them.
type GameStore interface {
	// Cycle. There is at most one current cycle; Get returns (nil, nil)
	// when none exists.
	GetCycle(ctx context.Context) (*model.GameCycle, error)
	CreateCycleIfAbsent(ctx context.Context, c *model.GameCycle) (*model.GameCycle, bool, error)
	UpdateCycle(ctx context.Context, mutate func(*model.GameCycle) error) (*model.GameCycle, error)
	// ClearCycleData removes the current-cycle pointer and all per-cycle
	// roster, bot, match, and reply records. Called on cycle reset.
	ClearCycleData(ctx context.Context, cycleID string) error

	// Transition lock: a short-lived named lock scoping one phase
	// transition. Acquire returns false when another caller holds it.
	AcquireTransitionLock(ctx context.Context, cycleID string, ttl time.Duration) (bool, error)
	ReleaseTransitionLock(ctx context.Context, cycleID string) error

	// Roster.
	CreatePlayerIfAbsent(ctx context.Context, cycleID string, p *model.Player) (bool, error)
	GetPlayer(ctx context.Context, cycleID, fid string) (*model.Player, error)
	ListPlayers(ctx context.Context, cycleID string) ([]model.Player, error)
	UpdatePlayer(ctx context.Context, cycleID, fid string, mutate func(*model.Player) error) (*model.Player, error)
	RosterSize(ctx context.Context, cycleID string) (int, error)

	// Bots.
	CreateBotIfAbsent(ctx context.Context, cycleID string, b *model.Bot) (bool, error)
	GetBot(ctx context.Context, cycleID, fid string) (*model.Bot, error)
	ListBots(ctx context.Context, cycleID string) ([]model.Bot, error)

	// Matches.
	SaveMatches(ctx context.Context, matches []model.Match) error
	GetMatch(ctx context.Context, id string) (*model.Match, error)
	ListPlayerMatches(ctx context.Context, cycleID, fid string) ([]model.Match, error)
	ListMatches(ctx context.Context, cycleID string) ([]model.Match, error)
	UpdateMatch(ctx context.Context, id string, mutate func(*model.Match) error) (*model.Match, error)

	// Scheduled bot replies, keyed by match (at most one pending per match).
	CreateReplyIfAbsent(ctx context.Context, r *model.ScheduledBotReply) (bool, error)
	GetReply(ctx context.Context, matchID string) (*model.ScheduledBotReply, error)
	UpdateReply(ctx context.Context, matchID string, mutate func(*model.ScheduledBotReply) error) (*model.ScheduledBotReply, error)
	DeleteReply(ctx context.Context, matchID string) error
}

// StatsRepository is the persistent leaderboard store. The core pushes each
// finished cycle's results exactly once and never reads them back into live
// game state.
type StatsRepository interface {
	// RecordCycleResults merges the cycle deltas into running stats inside
	// one transaction. Returns false without writing when the cycle was
	// already recorded, making retried transitions harmless.
	RecordCycleResults(ctx context.Context, cycleID string, players []model.PlayerCycleResult, bots []model.BotCycleResult) (bool, error)
	TopPlayers(ctx context.Context, limit int) ([]model.PlayerStats, error)
	PlayerStats(ctx context.Context, fid string) (*model.PlayerStats, error)
	TopBots(ctx context.Context, limit int) ([]model.BotStats, error)
}
