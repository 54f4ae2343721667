package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	quotaUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_quota_used",
		Help: "Quota units used today across all credentials",
	})

	quotaWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_quota_warnings_total",
		Help: "Total number of calls recorded below the quota warning threshold",
	})
)

// callCost is the unit cost of each call kind.
var callCost = map[client.Kind]int64{
	client.KindChannelsList:  1,
	client.KindPlaylistItems: 1,
	client.KindVideosList:    1,
}

// Cost returns the quota units charged for one call of kind.
func Cost(kind client.Kind) int64 {
	if c, ok := callCost[kind]; ok {
		return c
	}
	return 1
}

// Tracker records quota usage in Redis and gates new work.
type Tracker struct {
	redis  *redis.Client
	limits Limits
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new quota tracker.
func NewTracker(redisClient *redis.Client, limits Limits, logger zerolog.Logger) *Tracker {
	if limits.DailyLimit <= 0 {
		limits.DailyLimit = DefaultDailyLimit
	}
	return &Tracker{
		redis:  redisClient,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

func (t *Tracker) key(date, suffix string) string {
	return redisKeyPrefix + date + ":" + suffix
}

// today returns the ledger day as a UTC date.
func (t *Tracker) today() string {
	return t.now().UTC().Format(dateLayout)
}

// RecordCall charges one call of kind against today's budget.
// credential must already be a fingerprint.
func (t *Tracker) RecordCall(ctx context.Context, credential string, kind client.Kind) error {
	date := t.today()
	cost := Cost(kind)

	pipe := t.redis.TxPipeline()
	total := pipe.IncrBy(ctx, t.key(date, redisSuffixTotal), cost)
	pipe.HIncrBy(ctx, t.key(date, redisSuffixKinds), string(kind), cost)
	pipe.HIncrBy(ctx, t.key(date, redisSuffixCreds), credential, cost)
	for _, suffix := range []string{redisSuffixTotal, redisSuffixKinds, redisSuffixCreds} {
		pipe.Expire(ctx, t.key(date, suffix), ledgerTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record quota usage: %w", err)
	}

	used := total.Val()
	quotaUsed.Set(float64(used))

	state := newState(date, used, t.limits)
	if state.NeedsStop() {
		t.logger.Error().
			Int64("used", used).
			Int64("remaining", state.Remaining).
			Msg("Daily quota nearly exhausted - new work will stop")
	} else if state.NeedsWarning() {
		quotaWarningsTotal.Inc()
		t.logger.Warn().
			Int64("used", used).
			Int64("remaining", state.Remaining).
			Msg("Daily quota running low")
	}
	return nil
}

// GetState reads today's ledger. A day without calls yields a zero state.
func (t *Tracker) GetState(ctx context.Context) (*QuotaState, error) {
	date := t.today()

	used, err := t.redis.Get(ctx, t.key(date, redisSuffixTotal)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get quota total: %w", err)
	}
	state := newState(date, used, t.limits)

	kinds, err := t.redis.HGetAll(ctx, t.key(date, redisSuffixKinds)).Result()
	if err != nil {
		return nil, fmt.Errorf("get quota by kind: %w", err)
	}
	if err := parseCounts(kinds, state.ByKind); err != nil {
		return nil, err
	}

	creds, err := t.redis.HGetAll(ctx, t.key(date, redisSuffixCreds)).Result()
	if err != nil {
		return nil, fmt.Errorf("get quota by credential: %w", err)
	}
	if err := parseCounts(creds, state.ByCredential); err != nil {
		return nil, err
	}

	return state, nil
}

// ShouldContinue reports whether enough quota is left to start new work.
func (t *Tracker) ShouldContinue(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get quota state: %w", err)
	}
	if state.NeedsStop() {
		t.logger.Error().
			Int64("remaining", state.Remaining).
			Int64("stop_threshold", t.limits.StopThreshold).
			Msg("Quota below stop threshold - blocking new work")
		return false, nil
	}
	return true, nil
}

func parseCounts(raw map[string]string, into map[string]int64) error {
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse quota counter %s=%q: %w", k, v, err)
		}
		into[k] = n
	}
	return nil
}
