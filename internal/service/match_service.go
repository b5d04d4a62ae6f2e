package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/repository"
)

var (
	ErrMatchNotFound = errors.New("match not found")
	ErrWrongPlayer   = errors.New("match belongs to another player")
	ErrMatchLocked   = errors.New("match is locked")
	ErrVoteClosed    = errors.New("voting window has closed")
	ErrInvalidVote   = errors.New("invalid vote value")
	ErrEmptyMessage  = errors.New("message text is empty")
)

// errLockRaceLost aborts a lock CAS when the match is already locked; the
// loser is handed the winning record instead of an error.
var errLockRaceLost = errors.New("vote already locked")

const maxMessageLen = 1000

// botReplier is the piece of the bot pipeline MatchService triggers when a
// human message lands in a bot-faced match.
type botReplier interface {
	GenerateAndScheduleReply(ctx context.Context, match *model.Match)
	DeliverDueReplies(ctx context.Context, matches []model.Match)
}

// MatchService manages match reads, chat, and the vote lifecycle. Every
// read path first settles anything time has decided since the last call:
// cycle transitions, expired-match auto-locks, due bot replies, and the
// caller's next round.
type MatchService struct {
	store       repository.GameStore
	cycles      *CycleService
	replier     botReplier
	broadcaster Broadcaster

	now func() time.Time
}

// NewMatchService creates a MatchService. The bot replier is attached
// separately because it needs the match service to deliver into.
func NewMatchService(store repository.GameStore, cycles *CycleService, broadcaster Broadcaster) *MatchService {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	return &MatchService{
		store:       store,
		cycles:      cycles,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// SetReplier wires the bot reply pipeline in after construction.
func (s *MatchService) SetReplier(r botReplier) { s.replier = r }

// SetClock overrides the time source, for tests.
func (s *MatchService) SetClock(now func() time.Time) { s.now = now }

// GetMatch returns one match after settling its deadline state.
func (s *MatchService) GetMatch(ctx context.Context, id, callerFid string) (*model.Match, error) {
	if _, err := s.cycles.AdvanceIfDue(ctx); err != nil {
		return nil, err
	}
	match, err := s.loadMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if match.PlayerFid != callerFid {
		return nil, ErrWrongPlayer
	}
	return s.settleMatch(ctx, match)
}

// ListPlayerMatches returns the caller's matches for the current cycle,
// settling each one and lazily allocating the player's next round when all
// current matches are locked.
func (s *MatchService) ListPlayerMatches(ctx context.Context, fid string) ([]model.Match, error) {
	cycle, err := s.cycles.AdvanceIfDue(ctx)
	if err != nil {
		return nil, err
	}
	matches, err := s.store.ListPlayerMatches(ctx, cycle.ID, fid)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	for i := range matches {
		settled, err := s.settleMatch(ctx, &matches[i])
		if err != nil {
			return nil, err
		}
		matches[i] = *settled
	}

	if cycle.Phase == model.PhaseLive {
		advanced, err := s.advanceRoundIfDone(ctx, cycle, fid, matches)
		if err != nil {
			return nil, err
		}
		if advanced != nil {
			matches = append(matches, advanced...)
		}
	}
	return matches, nil
}

// AddMessage appends a chat line to an open match. When the opponent is a
// generated bot, a reply is produced and scheduled off the request path.
func (s *MatchService) AddMessage(ctx context.Context, matchID, senderFid, text string) (*model.Match, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}

	if _, err := s.cycles.AdvanceIfDue(ctx); err != nil {
		return nil, err
	}
	match, err := s.loadMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.PlayerFid != senderFid {
		return nil, ErrWrongPlayer
	}
	match, err = s.settleMatch(ctx, match)
	if err != nil {
		return nil, err
	}
	if match.VoteLocked {
		return nil, ErrMatchLocked
	}

	now := s.now()
	msg := model.Message{SenderFid: senderFid, Text: text, SentAt: now}
	updated, err := s.store.UpdateMatch(ctx, matchID, func(m *model.Match) error {
		if m.VoteLocked {
			return ErrMatchLocked
		}
		if m.Expired(now) {
			return ErrVoteClosed
		}
		m.Messages = append(m.Messages, msg)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMatchLocked) || errors.Is(err, ErrVoteClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("append message: %w", err)
	}

	s.broadcaster.BroadcastMatchEvent(matchID, "message", msg)

	if updated.Opponent.Type == model.OpponentBot && s.replier != nil {
		s.replier.GenerateAndScheduleReply(ctx, updated)
	}
	return updated, nil
}

// UpdateVote records the player's current guess. Votes may be changed any
// number of times until the match locks; every change is kept in the
// history for the reconsideration stat.
func (s *MatchService) UpdateVote(ctx context.Context, matchID, callerFid string, vote model.Vote) (*model.Match, error) {
	if !vote.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVote, vote)
	}
	if _, err := s.cycles.AdvanceIfDue(ctx); err != nil {
		return nil, err
	}
	match, err := s.loadMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.PlayerFid != callerFid {
		return nil, ErrWrongPlayer
	}
	match, err = s.settleMatch(ctx, match)
	if err != nil {
		return nil, err
	}
	if match.VoteLocked {
		return nil, ErrMatchLocked
	}

	now := s.now()
	updated, err := s.store.UpdateMatch(ctx, matchID, func(m *model.Match) error {
		if m.VoteLocked {
			return ErrMatchLocked
		}
		if m.Expired(now) {
			return ErrVoteClosed
		}
		v := vote
		m.CurrentVote = &v
		m.VoteHistory = append(m.VoteHistory, model.VoteEvent{Vote: vote, VotedAt: now})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMatchLocked) || errors.Is(err, ErrVoteClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("update vote: %w", err)
	}
	return updated, nil
}

// LockVote finalizes the match. Exactly one locker scores the match; a
// caller losing the race gets the already-locked record back without error.
// Explicit locks and deadline auto-locks go through the same path.
func (s *MatchService) LockVote(ctx context.Context, matchID, callerFid string) (*model.Match, error) {
	if _, err := s.cycles.AdvanceIfDue(ctx); err != nil {
		return nil, err
	}
	match, err := s.loadMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.PlayerFid != callerFid {
		return nil, ErrWrongPlayer
	}
	return s.lockMatch(ctx, match)
}

// lockMatch performs the exactly-once lock via a conditional write: the
// mutate callback refuses an already-locked record, and the store hands the
// race loser the winner's committed state.
func (s *MatchService) lockMatch(ctx context.Context, match *model.Match) (*model.Match, error) {
	if match.VoteLocked {
		return match, nil
	}

	now := s.now()
	locked, err := s.store.UpdateMatch(ctx, match.ID, func(m *model.Match) error {
		if m.VoteLocked {
			return errLockRaceLost
		}
		correct := m.Verdict()
		m.VoteLocked = true
		m.IsCorrect = &correct
		m.LockedAt = &now
		return nil
	})
	if errors.Is(err, errLockRaceLost) {
		return locked, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock match: %w", err)
	}

	// Winner's side effects: drop any undelivered bot reply and record the
	// verdict on the player. The reply delete is safe to repeat; the
	// verdict append is keyed by match id.
	if err := s.store.DeleteReply(ctx, locked.ID); err != nil {
		log.Warn().Err(err).Str("matchId", locked.ID).Msg("Failed to drop pending reply on lock")
	}
	if err := s.recordVerdict(ctx, locked); err != nil {
		log.Warn().Err(err).Str("matchId", locked.ID).Msg("Failed to record verdict on player")
	}

	s.broadcaster.BroadcastMatchEvent(locked.ID, "vote_locked", locked)
	return locked, nil
}

// recordVerdict appends the locked match's outcome to the player's history.
func (s *MatchService) recordVerdict(ctx context.Context, match *model.Match) error {
	record := model.VerdictRecord{
		MatchID:      match.ID,
		RoundNumber:  match.RoundNumber,
		OpponentType: match.Opponent.Type,
		Vote:         match.CurrentVote,
		IsCorrect:    match.IsCorrect != nil && *match.IsCorrect,
		ResponseMs:   responseMs(match),
	}
	_, err := s.store.UpdatePlayer(ctx, match.CycleID, match.PlayerFid, func(p *model.Player) error {
		for _, r := range p.VoteHistory {
			if r.MatchID == record.MatchID {
				return nil
			}
		}
		p.VoteHistory = append(p.VoteHistory, record)
		return nil
	})
	return err
}

// responseMs is the decision latency scored for ranking: time from match
// start to the final vote, or the full match duration when the player never
// voted.
func responseMs(match *model.Match) int64 {
	if n := len(match.VoteHistory); n > 0 {
		return match.VoteHistory[n-1].VotedAt.Sub(match.StartTime).Milliseconds()
	}
	return match.EndTime.Sub(match.StartTime).Milliseconds()
}

// settleMatch applies everything the clock has decided for one match:
// deliver a due bot reply, then auto-lock if the deadline passed.
func (s *MatchService) settleMatch(ctx context.Context, match *model.Match) (*model.Match, error) {
	if match.VoteLocked {
		return match, nil
	}
	if s.replier != nil {
		s.replier.DeliverDueReplies(ctx, []model.Match{*match})
		// Reload so a just-delivered reply is visible to the caller.
		reloaded, err := s.loadMatch(ctx, match.ID)
		if err != nil {
			return nil, err
		}
		match = reloaded
	}
	if match.Expired(s.now()) {
		return s.lockMatch(ctx, match)
	}
	return match, nil
}

// advanceRoundIfDone allocates the player's next round once every current
// match is locked. The allocation runs under a per-player lock so two
// concurrent reads cannot double-allocate, and presence of matches for the
// next round makes retries no-ops.
func (s *MatchService) advanceRoundIfDone(ctx context.Context, cycle *model.GameCycle, fid string, current []model.Match) ([]model.Match, error) {
	if len(current) == 0 {
		return nil, nil
	}
	highest := 0
	for i := range current {
		if !current[i].VoteLocked {
			return nil, nil
		}
		if current[i].RoundNumber > highest {
			highest = current[i].RoundNumber
		}
	}
	if highest >= cycle.TotalRounds {
		return nil, nil
	}
	next := highest + 1

	// Scope the transition lock to this player's round advance.
	lockScope := cycle.ID + ":round:" + fid
	acquired, err := s.store.AcquireTransitionLock(ctx, lockScope, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("acquire round lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}
	defer func() {
		if err := s.store.ReleaseTransitionLock(ctx, lockScope); err != nil {
			log.Warn().Err(err).Str("fid", fid).Msg("Failed to release round lock")
		}
	}()

	player, err := s.store.GetPlayer(ctx, cycle.ID, fid)
	if err != nil {
		return nil, fmt.Errorf("get player: %w", err)
	}
	if player.CurrentRound >= next {
		return nil, nil
	}

	players, err := s.store.ListPlayers(ctx, cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	bots, err := s.store.ListBots(ctx, cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}

	now := s.now()
	matches := AllocatePlayerRound(cycle.ID, player, players, bots, next, cycle.Config.MatchWidth, now, cycle.Config.MatchDuration)
	if len(matches) == 0 {
		// Opponent pool exhausted; the player is done for this cycle.
		return nil, nil
	}
	if err := s.store.SaveMatches(ctx, matches); err != nil {
		return nil, fmt.Errorf("save round %d: %w", next, err)
	}

	_, err = s.store.UpdatePlayer(ctx, cycle.ID, fid, func(p *model.Player) error {
		if p.CurrentRound < next {
			p.CurrentRound = next
		}
		for i := range matches {
			if !p.HasFaced(matches[i].Opponent.Fid) {
				p.Faced = append(p.Faced, matches[i].Opponent.Fid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record round %d: %w", next, err)
	}

	log.Info().Str("cycleId", cycle.ID).Str("fid", fid).Int("round", next).
		Int("matches", len(matches)).Msg("Player advanced to next round")
	return matches, nil
}

// loadMatch translates the store's not-found into the service sentinel.
func (s *MatchService) loadMatch(ctx context.Context, id string) (*model.Match, error) {
	match, err := s.store.GetMatch(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("get match: %w", err)
	}
	return match, nil
}
