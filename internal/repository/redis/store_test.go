package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/repository"
)

func newTestStore(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	c := NewClientFromPool(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })
	return c
}

func testCycle(id string) *model.GameCycle {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.GameCycle{
		ID:                   id,
		Phase:                model.PhaseRegistration,
		RegistrationDeadline: now.Add(5 * time.Minute),
		Config: model.CycleConfig{
			MaxPlayers:    64,
			MinPlayers:    2,
			MatchWidth:    2,
			MatchDuration: time.Minute,
		},
		CreatedAt: now,
	}
}

func TestCycleCreateIfAbsent(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	got, err := c.GetCycle(ctx)
	if err != nil {
		t.Fatalf("GetCycle: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no cycle, got %+v", got)
	}

	first, created, err := c.CreateCycleIfAbsent(ctx, testCycle("c1"))
	if err != nil || !created {
		t.Fatalf("CreateCycleIfAbsent: created=%v err=%v", created, err)
	}
	second, created, err := c.CreateCycleIfAbsent(ctx, testCycle("c2"))
	if err != nil {
		t.Fatalf("CreateCycleIfAbsent (second): %v", err)
	}
	if created {
		t.Error("second create reported created=true")
	}
	if second.ID != first.ID {
		t.Errorf("second create returned %s, want existing %s", second.ID, first.ID)
	}
}

func TestUpdateCycleMutateErrorAbandonsWrite(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	if _, _, err := c.CreateCycleIfAbsent(ctx, testCycle("c1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	sentinel := errors.New("abort")
	got, err := c.UpdateCycle(ctx, func(cy *model.GameCycle) error {
		cy.Phase = model.PhaseLive
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want sentinel", err)
	}
	if got == nil || got.Phase != model.PhaseRegistration {
		t.Errorf("aborted mutate returned %+v, want untouched registration cycle", got)
	}

	stored, _ := c.GetCycle(ctx)
	if stored.Phase != model.PhaseRegistration {
		t.Errorf("stored phase = %s, want registration (write abandoned)", stored.Phase)
	}
}

func TestUpdateCycleConcurrentIncrements(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	if _, _, err := c.CreateCycleIfAbsent(ctx, testCycle("c1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers, perWorker = 4, 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := c.UpdateCycle(ctx, func(cy *model.GameCycle) error {
					cy.TotalRounds++
					return nil
				})
				if err != nil {
					t.Errorf("UpdateCycle: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, _ := c.GetCycle(ctx)
	if got.TotalRounds != workers*perWorker {
		t.Errorf("totalRounds = %d, want %d (lost updates)", got.TotalRounds, workers*perWorker)
	}
}

func TestTransitionLock(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	ok, err := c.AcquireTransitionLock(ctx, "c1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = c.AcquireTransitionLock(ctx, "c1", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("second acquire succeeded while lock held")
	}

	if err := c.ReleaseTransitionLock(ctx, "c1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = c.AcquireTransitionLock(ctx, "c1", time.Minute)
	if err != nil || !ok {
		t.Errorf("reacquire after release: ok=%v err=%v", ok, err)
	}
}

func TestPlayerRoundTrip(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	p := &model.Player{Fid: "42", Username: "alice", DisplayName: "Alice"}
	created, err := c.CreatePlayerIfAbsent(ctx, "c1", p)
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	created, err = c.CreatePlayerIfAbsent(ctx, "c1", p)
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Error("duplicate create reported created=true")
	}

	if n, _ := c.RosterSize(ctx, "c1"); n != 1 {
		t.Errorf("roster size = %d, want 1", n)
	}

	got, err := c.GetPlayer(ctx, "c1", "42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("username = %s, want alice", got.Username)
	}

	if _, err := c.GetPlayer(ctx, "c1", "999"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("missing player: got %v, want ErrNotFound", err)
	}

	updated, err := c.UpdatePlayer(ctx, "c1", "42", func(pl *model.Player) error {
		pl.CurrentRound = 2
		pl.Faced = append(pl.Faced, "7")
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.CurrentRound != 2 || !updated.HasFaced("7") {
		t.Errorf("update not applied: %+v", updated)
	}
}

func TestMatchSetsAndUpdate(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	matches := []model.Match{
		{ID: "m1", CycleID: "c1", PlayerFid: "1", Opponent: model.Opponent{Type: model.OpponentBot, Fid: "bot:2"}, RoundNumber: 1},
		{ID: "m2", CycleID: "c1", PlayerFid: "2", Opponent: model.Opponent{Type: model.OpponentReal, Fid: "1"}, RoundNumber: 1},
	}
	if err := c.SaveMatches(ctx, matches); err != nil {
		t.Fatalf("save: %v", err)
	}

	all, err := c.ListMatches(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d matches, want 2", len(all))
	}

	mine, err := c.ListPlayerMatches(ctx, "c1", "1")
	if err != nil {
		t.Fatalf("list player: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "m1" {
		t.Errorf("player 1 matches = %+v, want just m1", mine)
	}

	locked, err := c.UpdateMatch(ctx, "m1", func(m *model.Match) error {
		m.VoteLocked = true
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !locked.VoteLocked {
		t.Error("lock not applied")
	}

	raceLoser := errors.New("already locked")
	got, err := c.UpdateMatch(ctx, "m1", func(m *model.Match) error {
		if m.VoteLocked {
			return raceLoser
		}
		return nil
	})
	if !errors.Is(err, raceLoser) {
		t.Fatalf("got %v, want race-loser sentinel", err)
	}
	if got == nil || !got.VoteLocked {
		t.Error("race loser did not receive the winning record")
	}
}

func TestReplyLifecycle(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	r := &model.ScheduledBotReply{MatchID: "m1", BotFid: "bot:2", ResponseText: "hm", DeliverAt: time.Now().UTC()}
	created, err := c.CreateReplyIfAbsent(ctx, r)
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	created, err = c.CreateReplyIfAbsent(ctx, r)
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Error("duplicate reply enqueued")
	}

	now := time.Now().UTC()
	claimed, err := c.UpdateReply(ctx, "m1", func(rep *model.ScheduledBotReply) error {
		rep.DeliveredAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.DeliveredAt == nil {
		t.Error("claim not applied")
	}

	if err := c.DeleteReply(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.GetReply(ctx, "m1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("deleted reply still readable: %v", err)
	}
}

func TestClearCycleData(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	cycle, _, err := c.CreateCycleIfAbsent(ctx, testCycle("c1"))
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	if _, err := c.CreatePlayerIfAbsent(ctx, cycle.ID, &model.Player{Fid: "1"}); err != nil {
		t.Fatalf("create player: %v", err)
	}
	if _, err := c.CreateBotIfAbsent(ctx, cycle.ID, &model.Bot{Fid: "bot:1", PersonaFid: "1"}); err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if err := c.SaveMatches(ctx, []model.Match{{ID: "m1", CycleID: cycle.ID, PlayerFid: "1"}}); err != nil {
		t.Fatalf("save match: %v", err)
	}

	if err := c.ClearCycleData(ctx, cycle.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if got, _ := c.GetCycle(ctx); got != nil {
		t.Errorf("cycle survived clear: %+v", got)
	}
	if n, _ := c.RosterSize(ctx, cycle.ID); n != 0 {
		t.Errorf("roster size = %d after clear, want 0", n)
	}
	if _, err := c.GetMatch(ctx, "m1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("match survived clear: %v", err)
	}

	// A new cycle can open immediately.
	if _, created, err := c.CreateCycleIfAbsent(ctx, testCycle("c2")); err != nil || !created {
		t.Errorf("create after clear: created=%v err=%v", created, err)
	}
}
