package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/wortley/dechecs/internal/game"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrVersionConflict = errors.New("session version conflict")
)

// saveScript performs the versioned write: the session record is only
// replaced when the stored version still matches the version the caller
// loaded. Version lives in a companion key so the record itself stays a
// plain JSON document.
var saveScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[2]) or "0")
if current ~= tonumber(ARGV[2]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], current + 1)
return 1
`)

// Client is the shared-store client. Session state is keyed by session id
// and readable by every worker.
type Client struct {
	rdb *redis.Client
}

func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func sessionKey(id string) string { return "game:" + id }
func versionKey(id string) string { return "game-version:" + id }
func settledKey(id string) string { return "settled:" + id }
func statKey(name string) string  { return "stat:" + name }

// Load fetches and deserializes a session. Returns ErrSessionNotFound on a
// miss; transport failures are wrapped.
//
// Record and version are read in a single MGET: reading them separately
// could pair a stale record with a newer version number, and a save of that
// snapshot would pass the compare-and-swap and overwrite a concurrent write.
func (c *Client) Load(ctx context.Context, id string) (*game.Session, error) {
	vals, err := c.rdb.MGet(ctx, sessionKey(id), versionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, ErrSessionNotFound
	}
	session, err := game.DecodeSession([]byte(raw))
	if err != nil {
		return nil, err
	}
	if v, ok := vals[1].(string); ok {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", id, err)
		}
		session.Version = version
	}
	return session, nil
}

// Save persists the session with a compare-and-swap on its version. On
// success the in-memory version is advanced; a lost race returns
// ErrVersionConflict and the caller must reload and retry its whole step.
func (c *Client) Save(ctx context.Context, session *game.Session) error {
	raw, err := game.EncodeSession(session)
	if err != nil {
		return err
	}
	ok, err := saveScript.Run(
		ctx,
		c.rdb,
		[]string{sessionKey(session.ID), versionKey(session.ID)},
		raw,
		session.Version,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	if ok != 1 {
		return ErrVersionConflict
	}
	session.Version++
	return nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.rdb.Del(ctx, sessionKey(id), versionKey(id), settledKey(id)).Err()
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// CountActive scans all live session keys. Used for the concurrent-session
// capacity check at creation.
func (c *Client) CountActive(ctx context.Context) (int, error) {
	count := 0
	iter := c.rdb.Scan(ctx, 0, sessionKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// DeleteAll sweeps every session key. Called once at process shutdown.
func (c *Client) DeleteAll(ctx context.Context) error {
	for _, pattern := range []string{sessionKey("*"), versionKey("*"), settledKey("*")} {
		iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("failed to sweep sessions: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to sweep sessions: %w", err)
		}
	}
	return nil
}

// MarkSettled records that settlement was submitted for the session.
// Returns false when a submission was already recorded, so a crashed or
// racing worker cannot settle the same match twice.
func (c *Client) MarkSettled(ctx context.Context, id string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, settledKey(id), 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark session %s settled: %w", id, err)
	}
	return ok, nil
}

// ClearSettled removes the settlement marker so a rematch on the same
// session can settle independently.
func (c *Client) ClearSettled(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, settledKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to clear settlement marker for %s: %w", id, err)
	}
	return nil
}

func (c *Client) IncrGamesPlayed(ctx context.Context) error {
	return c.rdb.Incr(ctx, statKey("n_games")).Err()
}

func (c *Client) GamesPlayed(ctx context.Context) (int64, error) {
	n, err := c.rdb.Get(ctx, statKey("n_games")).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage stats: %w", err)
	}
	return n, nil
}
