package model

// PlayerCycleResult is the per-player delta produced by folding one finished
// cycle's locked matches, merged into the long-term stats store.
type PlayerCycleResult struct {
	Fid             string `json:"fid"`
	DisplayName     string `json:"display_name"`
	Matches         int    `json:"matches"`
	Correct         int    `json:"correct"`
	TotalResponseMs int64  `json:"total_response_ms"`
	VoteChanges     int    `json:"vote_changes"`
}

// BotCycleResult is the per-bot delta for one finished cycle: how many humans
// it talked to and how many it fooled into voting "real".
type BotCycleResult struct {
	Fid          string `json:"fid"`
	PersonaFid   string `json:"persona_fid,omitempty"`
	Interactions int    `json:"interactions"`
	Fooled       int    `json:"fooled"`
}

// Humanity-threshold constants mirrored from the on-chain verifier. The core
// does not verify anything on chain; it precomputes the same flag for display.
const (
	HumanityMinAccuracyPct = 60
	HumanityMinLatencyMs   = 500
	HumanityMaxLatencyMs   = 240_000
	MaxDeceptionRating     = 100
)

// HumanityVerified applies the humanity-threshold rule to cumulative totals:
// accuracy strictly above 60% and an average response time inside the
// plausible-human window (too fast suggests a script, too slow abandonment).
func HumanityVerified(correct, matches int, avgResponseMs int64) bool {
	if matches == 0 {
		return false
	}
	accuracy := correct * 100 / matches
	return accuracy > HumanityMinAccuracyPct &&
		avgResponseMs > HumanityMinLatencyMs &&
		avgResponseMs < HumanityMaxLatencyMs
}

// DeceptionRating returns the 0-100 share of interactions in which the bot
// fooled its human counterpart, 0 when it never interacted.
func DeceptionRating(fooled, interactions int) int {
	if interactions == 0 {
		return 0
	}
	return fooled * MaxDeceptionRating / interactions
}
