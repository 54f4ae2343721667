package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/Sternrassler/yt-harvester/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultUploadsTTL is how long an uploads collection id is trusted.
const DefaultUploadsTTL = 7 * 24 * time.Hour

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// UploadsResolver caches the uploads collection id of each channel in
// front of another resolver.
type UploadsResolver struct {
	manager *Manager
	next    domain.CollectionResolver
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewUploadsResolver wraps next with a cache. A nil manager disables caching.
func NewUploadsResolver(manager *Manager, next domain.CollectionResolver, ttl time.Duration) *UploadsResolver {
	if ttl <= 0 {
		ttl = DefaultUploadsTTL
	}
	return &UploadsResolver{
		manager: manager,
		next:    next,
		ttl:     ttl,
		logger:  logging.NewLogger("cache"),
	}
}

// UploadsCollection returns the cached id or resolves and caches it.
func (r *UploadsResolver) UploadsCollection(ctx context.Context, channelID string) (string, error) {
	if r.manager == nil {
		return r.next.UploadsCollection(ctx, channelID)
	}

	key := UploadsKey(channelID)
	entry, err := r.manager.Get(ctx, key)
	switch {
	case err == nil && entry.Value != "":
		return entry.Value, nil
	case err != nil && !errors.Is(err, ErrCacheMiss):
		r.logger.Warn().Err(err).Str("channel_id", channelID).Msg("Cache read failed, resolving remotely")
	}

	id, err := r.next.UploadsCollection(ctx, channelID)
	if err != nil {
		return "", err
	}

	if err := r.manager.Set(ctx, key, NewEntry(id, r.ttl)); err != nil {
		r.logger.Warn().Err(err).Str("channel_id", channelID).Msg("Cache write failed")
	}
	return id, nil
}
