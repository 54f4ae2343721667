package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// Redis keys
const (
	redisKeyPrefix = "harvest:checkpoint:"

	// DefaultTTL keeps a day's hashes around long enough to inspect them
	// after rollover.
	DefaultTTL = 48 * time.Hour
)

type pendingMark struct {
	date   string
	res    domain.WorkResult
	reason string
	failed bool
}

// RedisStore keeps one done hash and one failed hash per day so several
// processes can share progress.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	pending []pendingMark
}

// NewRedisStore creates a Redis-backed checkpoint store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
}

func doneKey(date string) string   { return redisKeyPrefix + date + ":done" }
func failedKey(date string) string { return redisKeyPrefix + date + ":failed" }

// IsDone reports whether unitID succeeded today, including unflushed marks.
func (s *RedisStore) IsDone(ctx context.Context, unitID string) (bool, error) {
	date := dateOf(s.now())

	s.mu.Lock()
	for _, p := range s.pending {
		if p.date == date && !p.failed && p.res.UnitID == unitID {
			s.mu.Unlock()
			return true, nil
		}
	}
	s.mu.Unlock()

	ok, err := s.client.HExists(ctx, doneKey(date), unitID).Result()
	if err != nil {
		return false, fmt.Errorf("check checkpoint: %w", err)
	}
	return ok, nil
}

// MarkDone buffers a successful unit until Flush.
func (s *RedisStore) MarkDone(_ context.Context, res domain.WorkResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingMark{date: dateOf(s.now()), res: res})
	return nil
}

// MarkFailed buffers a failed unit until Flush.
func (s *RedisStore) MarkFailed(_ context.Context, res domain.WorkResult, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingMark{date: dateOf(s.now()), res: res, reason: reason, failed: true})
	return nil
}

// Flush writes buffered marks in one transaction. On error the marks stay
// buffered for the next Flush.
func (s *RedisStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range s.pending {
			if p.failed {
				data, err := json.Marshal(Failure{Result: p.res, Reason: p.reason})
				if err != nil {
					return err
				}
				pipe.HSet(ctx, failedKey(p.date), p.res.UnitID, data)
				pipe.Expire(ctx, failedKey(p.date), s.ttl)
				continue
			}
			data, err := json.Marshal(p.res)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, doneKey(p.date), p.res.UnitID, data)
			pipe.HDel(ctx, failedKey(p.date), p.res.UnitID)
			pipe.Expire(ctx, doneKey(p.date), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}

	s.pending = s.pending[:0]
	return nil
}

// Snapshot reads today's flushed checkpoint.
func (s *RedisStore) Snapshot(ctx context.Context) (Day, error) {
	date := dateOf(s.now())
	day := newDay(date)

	done, err := s.client.HGetAll(ctx, doneKey(date)).Result()
	if err != nil {
		return Day{}, fmt.Errorf("read checkpoint: %w", err)
	}
	for id, raw := range done {
		var res domain.WorkResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return Day{}, fmt.Errorf("decode checkpoint entry %s: %w", id, err)
		}
		day.markDone(res)
	}

	failed, err := s.client.HGetAll(ctx, failedKey(date)).Result()
	if err != nil {
		return Day{}, fmt.Errorf("read checkpoint failures: %w", err)
	}
	for id, raw := range failed {
		var f Failure
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return Day{}, fmt.Errorf("decode checkpoint failure %s: %w", id, err)
		}
		day.markFailed(f.Result, f.Reason)
	}

	return *day, nil
}
