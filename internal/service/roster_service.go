package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/detective-arena/api/internal/identity"
	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/repository"
)

var (
	ErrCycleNotAcceptingRegistrations = errors.New("cycle is not accepting registrations")
	ErrDuplicateRegistration          = errors.New("already registered for this cycle")
	ErrRosterFull                     = errors.New("roster is full")
	ErrUnknownIdentity                = errors.New("unknown identity")
)

// identityProvider resolves a fid to a public profile and style signature.
type identityProvider interface {
	FetchProfile(ctx context.Context, fid string) (*identity.Profile, error)
}

// RosterService handles registration of human players and external bot
// agents during the registration phase.
type RosterService struct {
	store    repository.GameStore
	identity identityProvider
	cycles   *CycleService
}

// NewRosterService creates a RosterService.
func NewRosterService(store repository.GameStore, provider identityProvider, cycles *CycleService) *RosterService {
	return &RosterService{store: store, identity: provider, cycles: cycles}
}

// RegisterPlayer enrolls a human player in the current cycle. The profile
// and writing-style signature are fetched up front so bot generation at the
// live transition needs no further identity calls. Duplicate and capacity
// checks are best-effort; the create-if-absent write is what actually
// guarantees one record per fid.
func (s *RosterService) RegisterPlayer(ctx context.Context, fid string) (*model.Player, error) {
	cycle, err := s.cycles.AdvanceIfDue(ctx)
	if err != nil {
		return nil, err
	}
	if cycle.Phase != model.PhaseRegistration {
		return nil, ErrCycleNotAcceptingRegistrations
	}

	if existing, err := s.store.GetPlayer(ctx, cycle.ID, fid); err == nil && existing != nil {
		return nil, ErrDuplicateRegistration
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check registration: %w", err)
	}

	size, err := s.store.RosterSize(ctx, cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("roster size: %w", err)
	}
	if size >= cycle.Config.MaxPlayers {
		return nil, ErrRosterFull
	}

	profile, err := s.identity.FetchProfile(ctx, fid)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownFid) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, fid)
		}
		return nil, fmt.Errorf("fetch profile: %w", err)
	}

	player := &model.Player{
		Fid:          fid,
		Username:     profile.Username,
		DisplayName:  profile.DisplayName,
		AvatarURL:    profile.AvatarURL,
		Bio:          profile.Bio,
		Style:        identity.DeriveStyle(profile),
		RegisteredAt: s.cycles.now(),
	}
	created, err := s.store.CreatePlayerIfAbsent(ctx, cycle.ID, player)
	if err != nil {
		return nil, fmt.Errorf("create player: %w", err)
	}
	if !created {
		return nil, ErrDuplicateRegistration
	}

	log.Info().Str("cycleId", cycle.ID).Str("fid", fid).
		Str("username", player.Username).Msg("Player registered")

	// Capacity fill can trigger the live transition without waiting out
	// the registration window.
	if size+1 >= cycle.Config.MaxPlayers {
		if _, err := s.cycles.AdvanceIfDue(ctx); err != nil {
			log.Warn().Err(err).Str("cycleId", cycle.ID).Msg("Capacity-triggered advance failed")
		}
	}
	return player, nil
}

// RegisterAgent enrolls an externally controlled bot. Agent bots carry no
// persona fid; they present as themselves under a synthetic identity.
func (s *RosterService) RegisterAgent(ctx context.Context, displayName, controllerAddress string) (*model.Bot, error) {
	cycle, err := s.cycles.AdvanceIfDue(ctx)
	if err != nil {
		return nil, err
	}
	if cycle.Phase != model.PhaseRegistration {
		return nil, ErrCycleNotAcceptingRegistrations
	}

	bot := &model.Bot{
		Fid:               "bot:" + uuid.NewString(),
		DisplayName:       displayName,
		ControllerAddress: controllerAddress,
		IsExternal:        true,
		Style:             model.StyleSignature{Comm: model.StyleConversational},
		CreatedAt:         s.cycles.now(),
	}
	if _, err := s.store.CreateBotIfAbsent(ctx, cycle.ID, bot); err != nil {
		return nil, fmt.Errorf("create agent bot: %w", err)
	}

	log.Info().Str("cycleId", cycle.ID).Str("fid", bot.Fid).
		Str("controller", controllerAddress).Msg("External agent registered")
	return bot, nil
}

// ListPlayers returns the current cycle's registered players.
func (s *RosterService) ListPlayers(ctx context.Context) ([]model.Player, error) {
	cycle, err := s.cycles.GetState(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListPlayers(ctx, cycle.ID)
}

// ListBots returns the current cycle's bots, impersonators and agents both.
func (s *RosterService) ListBots(ctx context.Context) ([]model.Bot, error) {
	cycle, err := s.cycles.GetState(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListBots(ctx, cycle.ID)
}
