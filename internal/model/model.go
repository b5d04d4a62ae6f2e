package model

import "time"

// Phase is a game cycle's lifecycle stage. Transitions are monotonic:
// registration -> live -> finished -> (new cycle) registration.
type Phase string

const (
	PhaseRegistration Phase = "registration"
	PhaseLive         Phase = "live"
	PhaseFinished     Phase = "finished"
)

// Vote is a player's guess about their opponent.
type Vote string

const (
	VoteReal Vote = "real"
	VoteBot  Vote = "bot"
)

// Valid reports whether v is one of the two legal vote values.
func (v Vote) Valid() bool { return v == VoteReal || v == VoteBot }

// OpponentType discriminates the Opponent tagged union.
type OpponentType string

const (
	OpponentReal OpponentType = "real"
	OpponentBot  OpponentType = "bot"
)

// CycleConfig is the configuration snapshot frozen into a cycle at creation.
// Later config changes never affect a cycle already in flight.
type CycleConfig struct {
	MaxPlayers           int           `json:"max_players"`
	MinPlayers           int           `json:"min_players"`
	MatchWidth           int           `json:"match_width"`
	MatchDuration        time.Duration `json:"match_duration"`
	RegistrationDuration time.Duration `json:"registration_duration"`
	LiveDuration         time.Duration `json:"live_duration"`
	FinishedGrace        time.Duration `json:"finished_grace"`
}

// GameCycle is the canonical record for one play session, shared by every
// server instance through the game store.
type GameCycle struct {
	ID                   string      `json:"id"`
	Phase                Phase       `json:"phase"`
	RegistrationDeadline time.Time   `json:"registration_deadline"`
	LiveDeadline         time.Time   `json:"live_deadline,omitempty"`
	FinishedAt           *time.Time  `json:"finished_at,omitempty"`
	TotalRounds          int         `json:"total_rounds,omitempty"`
	Config               CycleConfig `json:"config"`
	CreatedAt            time.Time   `json:"created_at"`
}

// CommStyle captures how a persona tends to write; it biases the bot reply
// delay model and is fed to the reply generator as part of the persona.
type CommStyle string

const (
	StyleTerse          CommStyle = "terse"
	StyleConversational CommStyle = "conversational"
	StyleVerbose        CommStyle = "verbose"
)

// StyleSignature is derived from a player's own published content at
// registration time and copied onto the bot impersonating them.
type StyleSignature struct {
	Comm          CommStyle `json:"comm"`
	EmojiRate     float64   `json:"emoji_rate"`
	AvgCastLength int       `json:"avg_cast_length"`
	SampleCasts   []string  `json:"sample_casts,omitempty"`
}

// VerdictRecord is one past match outcome kept on the player for rank display.
type VerdictRecord struct {
	MatchID      string       `json:"match_id"`
	RoundNumber  int          `json:"round_number"`
	OpponentType OpponentType `json:"opponent_type"`
	Vote         *Vote        `json:"vote,omitempty"`
	IsCorrect    bool         `json:"is_correct"`
	ResponseMs   int64        `json:"response_ms"`
}

// Player is a registered human for the active cycle.
type Player struct {
	Fid          string          `json:"fid"`
	Username     string          `json:"username"`
	DisplayName  string          `json:"display_name"`
	AvatarURL    string          `json:"avatar_url,omitempty"`
	Bio          string          `json:"bio,omitempty"`
	Style        StyleSignature  `json:"style"`
	RegisteredAt time.Time       `json:"registered_at"`
	CurrentRound int             `json:"current_round"`
	Faced        []string        `json:"faced,omitempty"` // opponent fids met this cycle
	VoteHistory  []VerdictRecord `json:"vote_history,omitempty"`
}

// HasFaced reports whether the player already met the given opponent this cycle.
func (p *Player) HasFaced(fid string) bool {
	for _, f := range p.Faced {
		if f == fid {
			return true
		}
	}
	return false
}

// Bot is a synthetic opponent persona, either generated from a registered
// player's profile or driven by an externally authenticated agent.
type Bot struct {
	Fid               string         `json:"fid"` // synthetic, "bot:<uuid>"
	PersonaFid        string         `json:"persona_fid,omitempty"`
	DisplayName       string         `json:"display_name"`
	Style             StyleSignature `json:"style"`
	ControllerAddress string         `json:"controller_address,omitempty"`
	IsExternal        bool           `json:"is_external"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Opponent is the tagged union sitting on the far side of a match.
type Opponent struct {
	Type        OpponentType `json:"type"`
	Fid         string       `json:"fid"`
	DisplayName string       `json:"display_name"`
}

// Message is one chat line in a match's append-only log.
type Message struct {
	SenderFid string    `json:"sender_fid"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// VoteEvent records one vote update, including reconsiderations before lock.
type VoteEvent struct {
	Vote    Vote      `json:"vote"`
	VotedAt time.Time `json:"voted_at"`
}

// Match is one timed 1:1 conversation from the perspective of PlayerFid.
// Once VoteLocked is true the vote, verdict, and scored message log are
// immutable.
type Match struct {
	ID          string      `json:"id"`
	CycleID     string      `json:"cycle_id"`
	PlayerFid   string      `json:"player_fid"`
	Opponent    Opponent    `json:"opponent"`
	SlotNumber  int         `json:"slot_number"`
	RoundNumber int         `json:"round_number"`
	StartTime   time.Time   `json:"start_time"`
	EndTime     time.Time   `json:"end_time"`
	Messages    []Message   `json:"messages,omitempty"`
	CurrentVote *Vote       `json:"current_vote,omitempty"`
	VoteHistory []VoteEvent `json:"vote_history,omitempty"`
	VoteLocked  bool        `json:"vote_locked"`
	IsCorrect   *bool       `json:"is_correct,omitempty"`
	LockedAt    *time.Time  `json:"locked_at,omitempty"`
}

// Expired reports whether the match deadline has passed at the given instant.
func (m *Match) Expired(now time.Time) bool { return !now.Before(m.EndTime) }

/// EffectiveVote resolves the default-vote policy: an unset vote counts as
// "real".
func (m *Match) EffectiveVote() Vote {
	if m.CurrentVote != nil {
		return *m.CurrentVote
	}
	return VoteReal
}

// Verdict computes whether the effective vote matches the opponent type.
func (m *Match) Verdict() bool {
	return string(m.EffectiveVote()) == string(m.Opponent.Type)
}

// ScheduledBotReply is the work-queue entity for one pending bot turn.
// It exists from the moment a human message triggers a bot reply until the
// reply is delivered into the match log (or permanently dropped).
type ScheduledBotReply struct {
	MatchID      string     `json:"match_id"`
	BotFid       string     `json:"bot_fid"`
	ResponseText string     `json:"response_text"`
	DeliverAt    time.Time  `json:"deliver_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	FailureCount int        `json:"failure_count"`
}

// Due reports whether the reply should be delivered at the given instant.
func (r *ScheduledBotReply) Due(now time.Time) bool {
	return r.DeliveredAt == nil && !now.Before(r.DeliverAt)
}

// PlayerStats is a player's running long-term record in the stats store.
type PlayerStats struct {
	Fid              string    `json:"fid"`
	DisplayName      string    `json:"display_name"`
	CyclesPlayed     int       `json:"cycles_played"`
	Matches          int       `json:"matches"`
	Correct          int       `json:"correct"`
	AvgResponseMs    int64     `json:"avg_response_ms"`
	VoteChanges      int       `json:"vote_changes"`
	HumanityVerified bool      `json:"humanity_verified"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Accuracy returns the percentage of correct verdicts, 0 when unplayed.
func (s *PlayerStats) Accuracy() int {
	if s.Matches == 0 {
		return 0
	}
	return s.Correct * 100 / s.Matches
}

// BotStats tracks how convincing a bot persona has been across cycles.
type BotStats struct {
	Fid             string    `json:"fid"`
	PersonaFid      string    `json:"persona_fid,omitempty"`
	Interactions    int       `json:"interactions"`
	FooledCount     int       `json:"fooled_count"`
	DeceptionRating int       `json:"deception_rating"`
	UpdatedAt       time.Time `json:"updated_at"`
}
