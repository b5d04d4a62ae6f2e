package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/repository"
)

// Key patterns for the shared game state.
func cycleKey() string                 { return "arena:cycle:current" }
func cycleArchiveKey(id string) string { return "arena:cycle:archive:" + id }
func lockKey(cycleID string) string    { return "arena:cycle:" + cycleID + ":lock" }
func rosterKey(cycleID string) string  { return "arena:cycle:" + cycleID + ":roster" }
func botSetKey(cycleID string) string  { return "arena:cycle:" + cycleID + ":bots" }
func playerKey(cycleID, fid string) string {
	return "arena:cycle:" + cycleID + ":player:" + fid
}
func botKey(cycleID, fid string) string { return "arena:cycle:" + cycleID + ":bot:" + fid }
func matchKey(id string) string         { return "arena:match:" + id }
func matchSetKey(cycleID string) string { return "arena:cycle:" + cycleID + ":matches" }
func playerMatchSetKey(cycleID, fid string) string {
	return "arena:cycle:" + cycleID + ":player:" + fid + ":matches"
}
func replyKey(matchID string) string { return "arena:reply:" + matchID }

// archiveTTL keeps retired cycle snapshots around long enough for debugging
// without growing the keyspace forever.
const archiveTTL = 7 * 24 * time.Hour

// casMaxRetries bounds optimistic-transaction retries under contention.
const casMaxRetries = 8

var _ repository.GameStore = (*Client)(nil)

// getJSON loads and decodes a record, mapping redis.Nil to ErrNotFound.
func getJSON[T any](ctx context.Context, rdb *redis.Client, key string) (*T, error) {
	raw, err := rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

// setNXJSON atomically creates a record, reporting whether this caller won.
func setNXJSON(ctx context.Context, rdb *redis.Client, key string, v any) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	ok, err := rdb.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// watchUpdate is the conditional-write primitive: WATCH the key, apply
// mutate to the decoded record, and commit through a transactional pipeline.
// A concurrent write aborts the transaction and the whole callback retries.
// A mutate error abandons the write and is returned with the record that was
// observed, so racing callers can read the state that beat them.
func watchUpdate[T any](ctx context.Context, rdb *redis.Client, key string, mutate func(*T) error) (*T, error) {
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		var out *T
		var mutateErr error
		err := rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return repository.ErrNotFound
			}
			if err != nil {
				return err
			}
			var cur T
			if err := json.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			if err := mutate(&cur); err != nil {
				out = &cur
				mutateErr = err
				return nil // observed state is returned; nothing to commit
			}
			newRaw, err := json.Marshal(&cur)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, newRaw, 0)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			out = &cur
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, mutateErr
	}
	return nil, fmt.Errorf("update %s: too much contention", key)
}

// --- Cycle ---

func (c *Client) GetCycle(ctx context.Context) (*model.GameCycle, error) {
	cycle, err := getJSON[model.GameCycle](ctx, c.rdb, cycleKey())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return cycle, err
}

func (c *Client) CreateCycleIfAbsent(ctx context.Context, cycle *model.GameCycle) (*model.GameCycle, bool, error) {
	created, err := setNXJSON(ctx, c.rdb, cycleKey(), cycle)
	if err != nil {
		return nil, false, err
	}
	if created {
		return cycle, true, nil
	}
	existing, err := getJSON[model.GameCycle](ctx, c.rdb, cycleKey())
	if errors.Is(err, repository.ErrNotFound) {
		// Lost the race to a reset between SETNX and GET; extremely rare,
		// the caller's next read recreates the cycle.
		return nil, false, repository.ErrNotFound
	}
	return existing, false, err
}

func (c *Client) UpdateCycle(ctx context.Context, mutate func(*model.GameCycle) error) (*model.GameCycle, error) {
	return watchUpdate(ctx, c.rdb, cycleKey(), mutate)
}

func (c *Client) ClearCycleData(ctx context.Context, cycleID string) error {
	// Snapshot the retired cycle before tearing its data down.
	if raw, err := c.rdb.Get(ctx, cycleKey()).Bytes(); err == nil {
		_ = c.rdb.Set(ctx, cycleArchiveKey(cycleID), raw, archiveTTL).Err()
	}

	keys := []string{cycleKey(), lockKey(cycleID), rosterKey(cycleID), botSetKey(cycleID), matchSetKey(cycleID)}

	fids, err := c.rdb.SMembers(ctx, rosterKey(cycleID)).Result()
	if err != nil {
		return fmt.Errorf("list roster for clear: %w", err)
	}
	for _, fid := range fids {
		keys = append(keys, playerKey(cycleID, fid), playerMatchSetKey(cycleID, fid))
	}

	botFids, err := c.rdb.SMembers(ctx, botSetKey(cycleID)).Result()
	if err != nil {
		return fmt.Errorf("list bots for clear: %w", err)
	}
	for _, fid := range botFids {
		keys = append(keys, botKey(cycleID, fid))
	}

	matchIDs, err := c.rdb.SMembers(ctx, matchSetKey(cycleID)).Result()
	if err != nil {
		return fmt.Errorf("list matches for clear: %w", err)
	}
	for _, id := range matchIDs {
		keys = append(keys, matchKey(id), replyKey(id))
	}

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear cycle data: %w", err)
	}
	return nil
}

// --- Transition lock ---

func (c *Client) AcquireTransitionLock(ctx context.Context, cycleID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(cycleID), time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire transition lock: %w", err)
	}
	return ok, nil
}

func (c *Client) ReleaseTransitionLock(ctx context.Context, cycleID string) error {
	return c.rdb.Del(ctx, lockKey(cycleID)).Err()
}

// --- Roster ---

func (c *Client) CreatePlayerIfAbsent(ctx context.Context, cycleID string, p *model.Player) (bool, error) {
	created, err := setNXJSON(ctx, c.rdb, playerKey(cycleID, p.Fid), p)
	if err != nil || !created {
		return created, err
	}
	if err := c.rdb.SAdd(ctx, rosterKey(cycleID), p.Fid).Err(); err != nil {
		return true, fmt.Errorf("add to roster: %w", err)
	}
	return true, nil
}

func (c *Client) GetPlayer(ctx context.Context, cycleID, fid string) (*model.Player, error) {
	return getJSON[model.Player](ctx, c.rdb, playerKey(cycleID, fid))
}

func (c *Client) ListPlayers(ctx context.Context, cycleID string) ([]model.Player, error) {
	fids, err := c.rdb.SMembers(ctx, rosterKey(cycleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	players := make([]model.Player, 0, len(fids))
	for _, fid := range fids {
		p, err := getJSON[model.Player](ctx, c.rdb, playerKey(cycleID, fid))
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		players = append(players, *p)
	}
	return players, nil
}

func (c *Client) UpdatePlayer(ctx context.Context, cycleID, fid string, mutate func(*model.Player) error) (*model.Player, error) {
	return watchUpdate(ctx, c.rdb, playerKey(cycleID, fid), mutate)
}

func (c *Client) RosterSize(ctx context.Context, cycleID string) (int, error) {
	n, err := c.rdb.SCard(ctx, rosterKey(cycleID)).Result()
	if err != nil {
		return 0, fmt.Errorf("roster size: %w", err)
	}
	return int(n), nil
}

// --- Bots ---

func (c *Client) CreateBotIfAbsent(ctx context.Context, cycleID string, b *model.Bot) (bool, error) {
	created, err := setNXJSON(ctx, c.rdb, botKey(cycleID, b.Fid), b)
	if err != nil || !created {
		return created, err
	}
	if err := c.rdb.SAdd(ctx, botSetKey(cycleID), b.Fid).Err(); err != nil {
		return true, fmt.Errorf("add to bot set: %w", err)
	}
	return true, nil
}

func (c *Client) GetBot(ctx context.Context, cycleID, fid string) (*model.Bot, error) {
	return getJSON[model.Bot](ctx, c.rdb, botKey(cycleID, fid))
}

func (c *Client) ListBots(ctx context.Context, cycleID string) ([]model.Bot, error) {
	fids, err := c.rdb.SMembers(ctx, botSetKey(cycleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list bot set: %w", err)
	}
	bots := make([]model.Bot, 0, len(fids))
	for _, fid := range fids {
		b, err := getJSON[model.Bot](ctx, c.rdb, botKey(cycleID, fid))
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		bots = append(bots, *b)
	}
	return bots, nil
}

// --- Matches ---

func (c *Client) SaveMatches(ctx context.Context, matches []model.Match) error {
	pipe := c.rdb.TxPipeline()
	for i := range matches {
		m := &matches[i]
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode match %s: %w", m.ID, err)
		}
		pipe.Set(ctx, matchKey(m.ID), raw, 0)
		pipe.SAdd(ctx, matchSetKey(m.CycleID), m.ID)
		pipe.SAdd(ctx, playerMatchSetKey(m.CycleID, m.PlayerFid), m.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save matches: %w", err)
	}
	return nil
}

func (c *Client) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	return getJSON[model.Match](ctx, c.rdb, matchKey(id))
}

func (c *Client) ListPlayerMatches(ctx context.Context, cycleID, fid string) ([]model.Match, error) {
	return c.matchesFromSet(ctx, playerMatchSetKey(cycleID, fid))
}

func (c *Client) ListMatches(ctx context.Context, cycleID string) ([]model.Match, error) {
	return c.matchesFromSet(ctx, matchSetKey(cycleID))
}

func (c *Client) matchesFromSet(ctx context.Context, setKey string) ([]model.Match, error) {
	ids, err := c.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list match ids: %w", err)
	}
	matches := make([]model.Match, 0, len(ids))
	for _, id := range ids {
		m, err := getJSON[model.Match](ctx, c.rdb, matchKey(id))
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	return matches, nil
}

func (c *Client) UpdateMatch(ctx context.Context, id string, mutate func(*model.Match) error) (*model.Match, error) {
	return watchUpdate(ctx, c.rdb, matchKey(id), mutate)
}

// --- Scheduled bot replies ---

func (c *Client) CreateReplyIfAbsent(ctx context.Context, r *model.ScheduledBotReply) (bool, error) {
	return setNXJSON(ctx, c.rdb, replyKey(r.MatchID), r)
}

func (c *Client) GetReply(ctx context.Context, matchID string) (*model.ScheduledBotReply, error) {
	return getJSON[model.ScheduledBotReply](ctx, c.rdb, replyKey(matchID))
}

func (c *Client) UpdateReply(ctx context.Context, matchID string, mutate func(*model.ScheduledBotReply) error) (*model.ScheduledBotReply, error) {
	return watchUpdate(ctx, c.rdb, replyKey(matchID), mutate)
}

func (c *Client) DeleteReply(ctx context.Context, matchID string) error {
	return c.rdb.Del(ctx, replyKey(matchID)).Err()
}
