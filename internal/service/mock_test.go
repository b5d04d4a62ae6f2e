package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/detective-arena/api/internal/identity"
	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/replygen"
	"github.com/detective-arena/api/internal/repository"
)

// clone deep-copies a record the way the real store does: through JSON.
func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

// mockGameStore is an in-memory GameStore with the same conditional-write
// contract as the Redis implementation: mutate errors abandon the write and
// hand back the current record.
type mockGameStore struct {
	mu      sync.Mutex
	cycle   *model.GameCycle
	players map[string]map[string]*model.Player // cycleID -> fid
	bots    map[string]map[string]*model.Bot
	matches map[string]*model.Match
	byCycle map[string][]string // cycleID -> match IDs in insert order
	replies map[string]*model.ScheduledBotReply
	locks   map[string]bool
}

func newMockGameStore() *mockGameStore {
	return &mockGameStore{
		players: make(map[string]map[string]*model.Player),
		bots:    make(map[string]map[string]*model.Bot),
		matches: make(map[string]*model.Match),
		byCycle: make(map[string][]string),
		replies: make(map[string]*model.ScheduledBotReply),
		locks:   make(map[string]bool),
	}
}

func (m *mockGameStore) GetCycle(_ context.Context) (*model.GameCycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cycle == nil {
		return nil, nil
	}
	return clone(m.cycle), nil
}

func (m *mockGameStore) CreateCycleIfAbsent(_ context.Context, c *model.GameCycle) (*model.GameCycle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cycle != nil {
		return clone(m.cycle), false, nil
	}
	m.cycle = clone(c)
	return clone(m.cycle), true, nil
}

func (m *mockGameStore) UpdateCycle(_ context.Context, mutate func(*model.GameCycle) error) (*model.GameCycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cycle == nil {
		return nil, repository.ErrNotFound
	}
	cp := clone(m.cycle)
	if err := mutate(cp); err != nil {
		return clone(m.cycle), err
	}
	m.cycle = cp
	return clone(m.cycle), nil
}

func (m *mockGameStore) ClearCycleData(_ context.Context, cycleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycle = nil
	delete(m.players, cycleID)
	delete(m.bots, cycleID)
	for _, id := range m.byCycle[cycleID] {
		delete(m.matches, id)
		delete(m.replies, id)
	}
	delete(m.byCycle, cycleID)
	m.locks = make(map[string]bool)
	return nil
}

func (m *mockGameStore) AcquireTransitionLock(_ context.Context, cycleID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[cycleID] {
		return false, nil
	}
	m.locks[cycleID] = true
	return true, nil
}

func (m *mockGameStore) ReleaseTransitionLock(_ context.Context, cycleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, cycleID)
	return nil
}

func (m *mockGameStore) CreatePlayerIfAbsent(_ context.Context, cycleID string, p *model.Player) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.players[cycleID] == nil {
		m.players[cycleID] = make(map[string]*model.Player)
	}
	if _, ok := m.players[cycleID][p.Fid]; ok {
		return false, nil
	}
	m.players[cycleID][p.Fid] = clone(p)
	return true, nil
}

func (m *mockGameStore) GetPlayer(_ context.Context, cycleID, fid string) (*model.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[cycleID][fid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(p), nil
}

func (m *mockGameStore) ListPlayers(_ context.Context, cycleID string) ([]model.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Player
	for _, p := range m.players[cycleID] {
		out = append(out, *clone(p))
	}
	return out, nil
}

func (m *mockGameStore) UpdatePlayer(_ context.Context, cycleID, fid string, mutate func(*model.Player) error) (*model.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[cycleID][fid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := clone(p)
	if err := mutate(cp); err != nil {
		return clone(p), err
	}
	m.players[cycleID][fid] = cp
	return clone(cp), nil
}

func (m *mockGameStore) RosterSize(_ context.Context, cycleID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players[cycleID]), nil
}

func (m *mockGameStore) CreateBotIfAbsent(_ context.Context, cycleID string, b *model.Bot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bots[cycleID] == nil {
		m.bots[cycleID] = make(map[string]*model.Bot)
	}
	if _, ok := m.bots[cycleID][b.Fid]; ok {
		return false, nil
	}
	m.bots[cycleID][b.Fid] = clone(b)
	return true, nil
}

func (m *mockGameStore) GetBot(_ context.Context, cycleID, fid string) (*model.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[cycleID][fid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(b), nil
}

func (m *mockGameStore) ListBots(_ context.Context, cycleID string) ([]model.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Bot
	for _, b := range m.bots[cycleID] {
		out = append(out, *clone(b))
	}
	return out, nil
}

func (m *mockGameStore) SaveMatches(_ context.Context, matches []model.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range matches {
		cp := clone(&matches[i])
		m.matches[cp.ID] = cp
		m.byCycle[cp.CycleID] = append(m.byCycle[cp.CycleID], cp.ID)
	}
	return nil
}

func (m *mockGameStore) GetMatch(_ context.Context, id string) (*model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(match), nil
}

func (m *mockGameStore) ListPlayerMatches(_ context.Context, cycleID, fid string) ([]model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Match
	for _, id := range m.byCycle[cycleID] {
		if m.matches[id].PlayerFid == fid {
			out = append(out, *clone(m.matches[id]))
		}
	}
	return out, nil
}

func (m *mockGameStore) ListMatches(_ context.Context, cycleID string) ([]model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Match
	for _, id := range m.byCycle[cycleID] {
		out = append(out, *clone(m.matches[id]))
	}
	return out, nil
}

func (m *mockGameStore) UpdateMatch(_ context.Context, id string, mutate func(*model.Match) error) (*model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := clone(match)
	if err := mutate(cp); err != nil {
		return clone(match), err
	}
	m.matches[id] = cp
	return clone(cp), nil
}

func (m *mockGameStore) CreateReplyIfAbsent(_ context.Context, r *model.ScheduledBotReply) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replies[r.MatchID]; ok {
		return false, nil
	}
	m.replies[r.MatchID] = clone(r)
	return true, nil
}

func (m *mockGameStore) GetReply(_ context.Context, matchID string) (*model.ScheduledBotReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replies[matchID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(r), nil
}

func (m *mockGameStore) UpdateReply(_ context.Context, matchID string, mutate func(*model.ScheduledBotReply) error) (*model.ScheduledBotReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replies[matchID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := clone(r)
	if err := mutate(cp); err != nil {
		return clone(r), err
	}
	m.replies[matchID] = cp
	return clone(cp), nil
}

func (m *mockGameStore) DeleteReply(_ context.Context, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.replies, matchID)
	return nil
}

// mockStatsRepo records each cycle's results once.
type mockStatsRepo struct {
	mu       sync.Mutex
	recorded map[string]int // cycleID -> times RecordCycleResults wrote
	players  []model.PlayerCycleResult
	bots     []model.BotCycleResult
}

func newMockStatsRepo() *mockStatsRepo {
	return &mockStatsRepo{recorded: make(map[string]int)}
}

func (m *mockStatsRepo) RecordCycleResults(_ context.Context, cycleID string, players []model.PlayerCycleResult, bots []model.BotCycleResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorded[cycleID] > 0 {
		return false, nil
	}
	m.recorded[cycleID]++
	m.players = append(m.players, players...)
	m.bots = append(m.bots, bots...)
	return true, nil
}

func (m *mockStatsRepo) TopPlayers(_ context.Context, _ int) ([]model.PlayerStats, error) {
	return nil, nil
}

func (m *mockStatsRepo) PlayerStats(_ context.Context, _ string) (*model.PlayerStats, error) {
	return nil, repository.ErrNotFound
}

func (m *mockStatsRepo) TopBots(_ context.Context, _ int) ([]model.BotStats, error) {
	return nil, nil
}

// mockIdentity serves canned profiles.
type mockIdentity struct {
	profiles map[string]*identity.Profile
}

func newMockIdentity(fids ...string) *mockIdentity {
	m := &mockIdentity{profiles: make(map[string]*identity.Profile)}
	for _, fid := range fids {
		m.profiles[fid] = &identity.Profile{
			Fid:         fid,
			Username:    "user_" + fid,
			DisplayName: "User " + fid,
			Casts:       []string{"hello there", "what a day"},
		}
	}
	return m
}

func (m *mockIdentity) FetchProfile(_ context.Context, fid string) (*identity.Profile, error) {
	p, ok := m.profiles[fid]
	if !ok {
		return nil, identity.ErrUnknownFid
	}
	return p, nil
}

// mockGenerator returns a fixed reply, optionally failing the first n calls.
type mockGenerator struct {
	mu       sync.Mutex
	failures int
	calls    int
	reply    string
}

func (m *mockGenerator) Generate(_ context.Context, _ replygen.Persona, _ []replygen.Turn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return "", fmt.Errorf("%w: backend unavailable", replygen.ErrGenerationFailed)
	}
	if m.reply == "" {
		return "ha, good one", nil
	}
	return m.reply, nil
}

// testClock is a settable time source shared by the services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock { return &testClock{now: start} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture wires a full service stack around the in-memory store with a
// controlled clock and synchronous reply generation.
type fixture struct {
	store   *mockGameStore
	stats   *mockStatsRepo
	ident   *mockIdentity
	gen     *mockGenerator
	clock   *testClock
	cycles  *CycleService
	roster  *RosterService
	matches *MatchService
	replies *BotReplyService
	board   *LeaderboardService
	cfg     model.CycleConfig
}

func newFixture(cfg model.CycleConfig, fids ...string) *fixture {
	f := &fixture{
		store: newMockGameStore(),
		stats: newMockStatsRepo(),
		ident: newMockIdentity(fids...),
		gen:   &mockGenerator{},
		clock: newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		cfg:   cfg,
	}
	f.cycles = NewCycleService(f.store, nil, cfg)
	f.cycles.SetClock(f.clock.Now)
	f.roster = NewRosterService(f.store, f.ident, f.cycles)
	f.matches = NewMatchService(f.store, f.cycles, nil)
	f.matches.SetClock(f.clock.Now)
	f.replies = NewBotReplyService(f.store, f.gen, nil)
	f.replies.SetClock(f.clock.Now)
	f.replies.spawn = func(fn func()) { fn() }
	f.matches.SetReplier(f.replies)
	f.board = NewLeaderboardService(f.store, f.stats, f.matches)
	f.cycles.SetAggregator(f.board)
	return f
}

// defaultConfig is a small cycle used by most tests.
func defaultConfig() model.CycleConfig {
	return model.CycleConfig{
		MaxPlayers:           64,
		MinPlayers:           2,
		MatchWidth:           2,
		MatchDuration:        60 * time.Second,
		RegistrationDuration: 5 * time.Minute,
		LiveDuration:         10 * time.Minute,
		FinishedGrace:        2 * time.Minute,
	}
}

// registerAll registers every fid and returns the registration-phase cycle.
func (f *fixture) registerAll(ctx context.Context, fids ...string) (*model.GameCycle, error) {
	for _, fid := range fids {
		if _, err := f.roster.RegisterPlayer(ctx, fid); err != nil {
			return nil, err
		}
	}
	return f.cycles.GetState(ctx)
}

// goLive pushes the fixture's cycle into the live phase.
func (f *fixture) goLive(ctx context.Context) (*model.GameCycle, error) {
	cycle, err := f.cycles.ForceTransition(ctx, model.PhaseLive)
	if err != nil {
		return nil, err
	}
	if cycle.Phase != model.PhaseLive {
		return nil, errors.New("cycle did not go live")
	}
	return cycle, nil
}
