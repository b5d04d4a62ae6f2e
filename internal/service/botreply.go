package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/replygen"
	"github.com/detective-arena/api/internal/repository"
)

// errAlreadyDelivered aborts a delivery CAS when another instance delivered
// the reply first.
var errAlreadyDelivered = errors.New("reply already delivered")

// Delay model bounds. A reply never lands faster than a human could type it
// and never stalls long enough to feel broken.
const (
	minReplyDelay = 500 * time.Millisecond
	maxReplyDelay = 7 * time.Second

	typingPerChar = 35 * time.Millisecond

	generateAttempts = 3
	generateBackoff  = 500 * time.Millisecond
	generateTimeout  = 20 * time.Second
)

// BotReplyService produces and delivers impersonator turns. Generation is
// fired off the request path; delivery happens on whichever read next
// observes the reply due, so a reply survives the instance that created it.
type BotReplyService struct {
	store       repository.GameStore
	generator   replygen.Generator
	broadcaster Broadcaster

	now func() time.Time

	// spawn runs generation off the caller's goroutine; tests replace it
	// with a synchronous runner.
	spawn func(func())
}

// NewBotReplyService creates a BotReplyService.
func NewBotReplyService(store repository.GameStore, generator replygen.Generator, broadcaster Broadcaster) *BotReplyService {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	return &BotReplyService{
		store:       store,
		generator:   generator,
		broadcaster: broadcaster,
		now:         time.Now,
		spawn:       func(fn func()) { go fn() },
	}
}

// SetClock overrides the time source, for tests.
func (s *BotReplyService) SetClock(now func() time.Time) { s.now = now }

// GenerateAndScheduleReply produces one bot turn for the match and enqueues
// it for delayed delivery. It returns immediately; failures after retries
// drop the turn and leave match state untouched. At most one reply is ever
// pending per match, so a burst of human messages yields a single response
// to the latest state of the conversation.
func (s *BotReplyService) GenerateAndScheduleReply(ctx context.Context, match *model.Match) {
	if match.Opponent.Type != model.OpponentBot {
		return
	}
	snapshot := *match
	s.spawn(func() {
		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), generateTimeout)
		defer cancel()
		if err := s.generateAndSchedule(genCtx, &snapshot); err != nil {
			log.Error().Err(err).Str("matchId", snapshot.ID).
				Str("botFid", snapshot.Opponent.Fid).Msg("Dropping bot turn")
		}
	})
}

func (s *BotReplyService) generateAndSchedule(ctx context.Context, match *model.Match) error {
	if _, err := s.store.GetReply(ctx, match.ID); err == nil {
		// A turn is already pending for this match.
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("check pending reply: %w", err)
	}

	bot, err := s.store.GetBot(ctx, match.CycleID, match.Opponent.Fid)
	if err != nil {
		return fmt.Errorf("get bot: %w", err)
	}
	if bot.IsExternal {
		// Agent-controlled bots produce their own turns.
		return nil
	}

	persona := replygen.Persona{
		DisplayName: bot.DisplayName,
		Style:       bot.Style,
	}
	if bot.PersonaFid != "" {
		if player, err := s.store.GetPlayer(ctx, match.CycleID, bot.PersonaFid); err == nil {
			persona.Bio = player.Bio
		}
	}

	history := make([]replygen.Turn, 0, len(match.Messages))
	for _, msg := range match.Messages {
		history = append(history, replygen.Turn{
			FromBot: msg.SenderFid == bot.Fid,
			Text:    msg.Text,
		})
	}

	var text string
	for attempt := 1; attempt <= generateAttempts; attempt++ {
		text, err = s.generator.Generate(ctx, persona, history)
		if err == nil {
			break
		}
		if attempt < generateAttempts {
			select {
			case <-time.After(generateBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err != nil {
		return fmt.Errorf("generate after %d attempts: %w", generateAttempts, err)
	}

	return s.ScheduleReply(ctx, match, bot, text)
}

// ScheduleReply enqueues a generated turn with a naturalistic delay. The
// enqueue is create-if-absent, so a racing duplicate is dropped.
func (s *BotReplyService) ScheduleReply(ctx context.Context, match *model.Match, bot *model.Bot, text string) error {
	delay := ComputeReplyDelay(bot.Style, lastHumanMessage(match), text)
	reply := &model.ScheduledBotReply{
		MatchID:      match.ID,
		BotFid:       bot.Fid,
		ResponseText: text,
		DeliverAt:    s.now().Add(delay),
	}
	created, err := s.store.CreateReplyIfAbsent(ctx, reply)
	if err != nil {
		return fmt.Errorf("schedule reply: %w", err)
	}
	if created {
		log.Debug().Str("matchId", match.ID).Dur("delay", delay).Msg("Bot reply scheduled")
	}
	return nil
}

// DeliverDueReplies pushes due replies for the given matches into their
// message logs. Delivery is exactly-once: the DeliveredAt check-and-set
// elects one deliverer among racing readers. A reply for a match that
// locked or expired in the meantime is dropped.
func (s *BotReplyService) DeliverDueReplies(ctx context.Context, matches []model.Match) {
	now := s.now()
	for i := range matches {
		match := &matches[i]
		if match.VoteLocked {
			continue
		}
		reply, err := s.store.GetReply(ctx, match.ID)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				log.Warn().Err(err).Str("matchId", match.ID).Msg("Failed to read pending reply")
			}
			continue
		}
		if !reply.Due(now) {
			continue
		}

		claimed, err := s.store.UpdateReply(ctx, match.ID, func(r *model.ScheduledBotReply) error {
			if r.DeliveredAt != nil {
				return errAlreadyDelivered
			}
			t := now
			r.DeliveredAt = &t
			return nil
		})
		if errors.Is(err, errAlreadyDelivered) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("matchId", match.ID).Msg("Failed to claim reply delivery")
			continue
		}

		s.deliver(ctx, match, claimed)
	}
}

func (s *BotReplyService) deliver(ctx context.Context, match *model.Match, reply *model.ScheduledBotReply) {
	now := s.now()
	msg := model.Message{SenderFid: reply.BotFid, Text: reply.ResponseText, SentAt: now}
	_, err := s.store.UpdateMatch(ctx, match.ID, func(m *model.Match) error {
		if m.VoteLocked || m.Expired(now) {
			return ErrMatchLocked
		}
		m.Messages = append(m.Messages, msg)
		return nil
	})
	if err != nil && !errors.Is(err, ErrMatchLocked) {
		log.Error().Err(err).Str("matchId", match.ID).Msg("Failed to deliver bot reply")
		return
	}
	if err == nil {
		s.broadcaster.BroadcastMatchEvent(match.ID, "message", msg)
	}
	if err := s.store.DeleteReply(ctx, match.ID); err != nil {
		log.Warn().Err(err).Str("matchId", match.ID).Msg("Failed to clear delivered reply")
	}
}

// ComputeReplyDelay models how long a persona would plausibly take to read
// the last message, think, and type the response.
func ComputeReplyDelay(style model.StyleSignature, incoming, response string) time.Duration {
	var thinking time.Duration
	switch style.Comm {
	case model.StyleTerse:
		thinking = 800 * time.Millisecond
	case model.StyleVerbose:
		thinking = 2400 * time.Millisecond
	default:
		thinking = 1500 * time.Millisecond
	}
	if len(incoming) > 120 {
		thinking += 600 * time.Millisecond
	}
	if strings.Contains(incoming, "?") {
		thinking += 400 * time.Millisecond
	}
	if style.EmojiRate > 0.5 {
		thinking += 200 * time.Millisecond
	}

	delay := thinking + time.Duration(len(response))*typingPerChar
	if delay < minReplyDelay {
		delay = minReplyDelay
	}
	if delay > maxReplyDelay {
		delay = maxReplyDelay
	}
	return delay
}

// lastHumanMessage returns the text of the most recent message not sent by
// the match's bot opponent.
func lastHumanMessage(match *model.Match) string {
	for i := len(match.Messages) - 1; i >= 0; i-- {
		if match.Messages[i].SenderFid != match.Opponent.Fid {
			return match.Messages[i].Text
		}
	}
	return ""
}
