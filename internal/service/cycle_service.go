package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/repository"
)

var (
	ErrNoActiveCycle     = errors.New("no active cycle")
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// errAlreadyTransitioned aborts a phase CAS when another caller got there
// first; the race loser converges on the winner's outcome.
var errAlreadyTransitioned = errors.New("phase already transitioned")

// transitionLockTTL bounds how long a crashed transition holder can stall
// the cycle before another instance may take over.
const transitionLockTTL = 30 * time.Second

// cycleAggregator folds a finished cycle's matches into long-term stats.
type cycleAggregator interface {
	AggregateCycle(ctx context.Context, cycle *model.GameCycle) error
}

// CycleService owns the cycle state machine. Any number of stateless
// handlers across hosts may call it concurrently; every transition is
// guarded by a short-lived store lock plus a conditional phase write, so
// racing callers converge on a single outcome.
type CycleService struct {
	store       repository.GameStore
	aggregator  cycleAggregator
	broadcaster Broadcaster
	cfg         model.CycleConfig

	now func() time.Time
}

// NewCycleService creates a CycleService. The aggregator is attached with
// SetAggregator once the leaderboard service exists; until then finished
// transitions skip stats recording.
func NewCycleService(store repository.GameStore, broadcaster Broadcaster, cfg model.CycleConfig) *CycleService {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	return &CycleService{
		store:       store,
		broadcaster: broadcaster,
		cfg:         cfg,
		now:         time.Now,
	}
}

// SetAggregator wires the stats aggregation step into the live->finished
// transition.
func (s *CycleService) SetAggregator(a cycleAggregator) { s.aggregator = a }

// SetClock overrides the time source, for tests.
func (s *CycleService) SetClock(now func() time.Time) { s.now = now }

// Config returns the configured cycle tunables.
func (s *CycleService) Config() model.CycleConfig { return s.cfg }

// newCycle builds a fresh registration-phase cycle from current config.
func (s *CycleService) newCycle() *model.GameCycle {
	now := s.now()
	return &model.GameCycle{
		ID:                   uuid.NewString(),
		Phase:                model.PhaseRegistration,
		RegistrationDeadline: now.Add(s.cfg.RegistrationDuration),
		Config:               s.cfg,
		CreatedAt:            now,
	}
}

// GetState returns the current cycle, lazily creating one when none exists.
// Creation uses create-if-absent so concurrent first callers agree on a
// single cycle.
func (s *CycleService) GetState(ctx context.Context) (*model.GameCycle, error) {
	cycle, err := s.store.GetCycle(ctx)
	if err != nil {
		return nil, fmt.Errorf("get cycle: %w", err)
	}
	if cycle != nil {
		return cycle, nil
	}

	cycle, created, err := s.store.CreateCycleIfAbsent(ctx, s.newCycle())
	if err != nil {
		return nil, fmt.Errorf("create cycle: %w", err)
	}
	if created {
		log.Info().Str("cycleId", cycle.ID).
			Time("registrationDeadline", cycle.RegistrationDeadline).
			Msg("New cycle opened for registration")
		s.broadcaster.BroadcastCycleEvent("cycle_created", cycle)
	}
	return cycle, nil
}

// AdvanceIfDue advances the cycle through any transition whose deadline has
// passed. It is called at the top of every read path and is idempotent:
// losing a transition race is a no-op. A failed downstream step (bot
// generation, allocation, aggregation) leaves the phase unchanged so the
// next read retries from the last durable state.
func (s *CycleService) AdvanceIfDue(ctx context.Context) (*model.GameCycle, error) {
	cycle, err := s.GetState(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch cycle.Phase {
	case model.PhaseRegistration:
		size, err := s.store.RosterSize(ctx, cycle.ID)
		if err != nil {
			return nil, fmt.Errorf("roster size: %w", err)
		}
		deadlinePassed := !now.Before(cycle.RegistrationDeadline)
		if (deadlinePassed && size >= cycle.Config.MinPlayers) || size >= cycle.Config.MaxPlayers {
			return s.transitionToLive(ctx, cycle)
		}
	case model.PhaseLive:
		if !now.Before(cycle.LiveDeadline) {
			return s.transitionToFinished(ctx, cycle)
		}
	case model.PhaseFinished:
		if cycle.FinishedAt != nil && !now.Before(cycle.FinishedAt.Add(cycle.Config.FinishedGrace)) {
			return s.resetCycle(ctx, cycle)
		}
	}
	return cycle, nil
}

// ForceTransition is the administrative override. It performs the same
// transition work as AdvanceIfDue without deadline or roster gating, and
// only ever moves the cycle forward.
func (s *CycleService) ForceTransition(ctx context.Context, target model.Phase) (*model.GameCycle, error) {
	cycle, err := s.GetState(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case cycle.Phase == model.PhaseRegistration && target == model.PhaseLive:
		return s.transitionToLive(ctx, cycle)
	case cycle.Phase == model.PhaseLive && target == model.PhaseFinished:
		return s.transitionToFinished(ctx, cycle)
	case cycle.Phase == model.PhaseFinished && target == model.PhaseRegistration:
		return s.resetCycle(ctx, cycle)
	case cycle.Phase == target:
		return cycle, nil
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cycle.Phase, target)
	}
}

// Reset tears the current cycle down regardless of phase and opens a new
// registration window. Administrative use only.
func (s *CycleService) Reset(ctx context.Context) (*model.GameCycle, error) {
	cycle, err := s.GetState(ctx)
	if err != nil {
		return nil, err
	}
	return s.resetCycle(ctx, cycle)
}

// transitionToLive runs the registration->live transition: generate one bot
// per registered player lacking one, allocate round 1, then publish the
// phase. The phase write happens last so a mid-transition failure never
// strands players in a live cycle with no matches.
func (s *CycleService) transitionToLive(ctx context.Context, cycle *model.GameCycle) (*model.GameCycle, error) {
	acquired, err := s.store.AcquireTransitionLock(ctx, cycle.ID, transitionLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire transition lock: %w", err)
	}
	if !acquired {
		return cycle, nil
	}
	defer func() {
		if err := s.store.ReleaseTransitionLock(ctx, cycle.ID); err != nil {
			log.Warn().Err(err).Str("cycleId", cycle.ID).Msg("Failed to release transition lock")
		}
	}()

	// Re-read under the lock; another instance may have finished the
	// transition before we acquired it.
	cycle, err = s.GetState(ctx)
	if err != nil {
		return nil, err
	}
	if cycle.Phase != model.PhaseRegistration {
		return cycle, nil
	}

	players, err := s.store.ListPlayers(ctx, cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	if len(players) == 0 {
		// Nothing to allocate; stay in registration.
		return cycle, nil
	}

	if err := s.generateBots(ctx, cycle, players); err != nil {
		return nil, err
	}
	bots, err := s.store.ListBots(ctx, cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}

	now := s.now()
	totalRounds := ComputeTotalRounds(len(players), len(bots), cycle.Config.MatchWidth, cycle.Config.LiveDuration, cycle.Config.MatchDuration)

	// A crashed previous attempt may have written round 1 already; the
	// allocation is atomic, so presence means completeness.
	existing, err := s.store.ListMatches(ctx, cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	if len(existing) == 0 {
		matches := AllocateRound(cycle.ID, players, bots, 1, cycle.Config.MatchWidth, now, cycle.Config.MatchDuration)
		if err := s.store.SaveMatches(ctx, matches); err != nil {
			return nil, fmt.Errorf("save round 1: %w", err)
		}
		if err := s.recordRoundStart(ctx, cycle.ID, matches, 1); err != nil {
			return nil, err
		}
		log.Info().Str("cycleId", cycle.ID).Int("players", len(players)).
			Int("bots", len(bots)).Int("matches", len(matches)).
			Msg("Round 1 allocated")
	}

	updated, err := s.store.UpdateCycle(ctx, func(c *model.GameCycle) error {
		if c.Phase != model.PhaseRegistration {
			return errAlreadyTransitioned
		}
		c.Phase = model.PhaseLive
		c.LiveDeadline = now.Add(c.Config.LiveDuration)
		c.TotalRounds = totalRounds
		return nil
	})
	if errors.Is(err, errAlreadyTransitioned) {
		return updated, nil
	}
	if err != nil {
		return nil, fmt.Errorf("publish live phase: %w", err)
	}

	log.Info().Str("cycleId", updated.ID).Time("liveDeadline", updated.LiveDeadline).
		Int("totalRounds", updated.TotalRounds).Msg("Cycle is live")
	s.broadcaster.BroadcastCycleEvent("cycle_live", updated)
	return updated, nil
}

// generateBots creates one impersonator bot per registered player that does
// not have one yet. Bot fids are derived from the player fid so a retried
// transition re-creates nothing.
func (s *CycleService) generateBots(ctx context.Context, cycle *model.GameCycle, players []model.Player) error {
	for i := range players {
		p := &players[i]
		bot := &model.Bot{
			Fid:         "bot:" + p.Fid,
			PersonaFid:  p.Fid,
			DisplayName: p.DisplayName,
			Style:       p.Style,
			CreatedAt:   s.now(),
		}
		if _, err := s.store.CreateBotIfAbsent(ctx, cycle.ID, bot); err != nil {
			return fmt.Errorf("generate bot for %s: %w", p.Fid, err)
		}
	}
	return nil
}

// recordRoundStart marks each player's new round and the opponents they are
// now facing. Safe to retry; already-faced opponents are not re-added.
func (s *CycleService) recordRoundStart(ctx context.Context, cycleID string, matches []model.Match, roundNumber int) error {
	byPlayer := make(map[string][]string)
	for i := range matches {
		byPlayer[matches[i].PlayerFid] = append(byPlayer[matches[i].PlayerFid], matches[i].Opponent.Fid)
	}
	for fid, opponents := range byPlayer {
		_, err := s.store.UpdatePlayer(ctx, cycleID, fid, func(p *model.Player) error {
			if p.CurrentRound < roundNumber {
				p.CurrentRound = roundNumber
			}
			for _, opp := range opponents {
				if !p.HasFaced(opp) {
					p.Faced = append(p.Faced, opp)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("record round start for %s: %w", fid, err)
		}
	}
	return nil
}

// transitionToFinished closes the live window and pushes results to the
// stats store. Aggregation runs before the phase write and is itself
// idempotent, so a crash between the two is retried harmlessly.
func (s *CycleService) transitionToFinished(ctx context.Context, cycle *model.GameCycle) (*model.GameCycle, error) {
	acquired, err := s.store.AcquireTransitionLock(ctx, cycle.ID, transitionLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire transition lock: %w", err)
	}
	if !acquired {
		return cycle, nil
	}
	defer func() {
		if err := s.store.ReleaseTransitionLock(ctx, cycle.ID); err != nil {
			log.Warn().Err(err).Str("cycleId", cycle.ID).Msg("Failed to release transition lock")
		}
	}()

	cycle, err = s.GetState(ctx)
	if err != nil {
		return nil, err
	}
	if cycle.Phase != model.PhaseLive {
		return cycle, nil
	}

	if s.aggregator != nil {
		if err := s.aggregator.AggregateCycle(ctx, cycle); err != nil {
			return nil, fmt.Errorf("aggregate cycle: %w", err)
		}
	}

	now := s.now()
	updated, err := s.store.UpdateCycle(ctx, func(c *model.GameCycle) error {
		if c.Phase != model.PhaseLive {
			return errAlreadyTransitioned
		}
		c.Phase = model.PhaseFinished
		c.FinishedAt = &now
		return nil
	})
	if errors.Is(err, errAlreadyTransitioned) {
		return updated, nil
	}
	if err != nil {
		return nil, fmt.Errorf("publish finished phase: %w", err)
	}

	log.Info().Str("cycleId", updated.ID).Msg("Cycle finished")
	s.broadcaster.BroadcastCycleEvent("cycle_finished", updated)
	return updated, nil
}

// resetCycle archives the finished cycle's data and opens a new
// registration window.
func (s *CycleService) resetCycle(ctx context.Context, cycle *model.GameCycle) (*model.GameCycle, error) {
	acquired, err := s.store.AcquireTransitionLock(ctx, cycle.ID, transitionLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire transition lock: %w", err)
	}
	if !acquired {
		return cycle, nil
	}
	// The lock is cleared together with the rest of the cycle data.

	if err := s.store.ClearCycleData(ctx, cycle.ID); err != nil {
		return nil, fmt.Errorf("clear cycle data: %w", err)
	}

	next, created, err := s.store.CreateCycleIfAbsent(ctx, s.newCycle())
	if err != nil {
		return nil, fmt.Errorf("create next cycle: %w", err)
	}
	if created {
		log.Info().Str("oldCycleId", cycle.ID).Str("cycleId", next.ID).Msg("Cycle reset, registration open")
		s.broadcaster.BroadcastCycleEvent("cycle_created", next)
	}
	return next, nil
}
