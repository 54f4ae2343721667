package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/yt-harvester/internal/testutil"
	"github.com/redis/go-redis/v9"
)

func TestNewManager(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	manager := NewManager(client)
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil)
}

func TestManager_SetAndGet(t *testing.T) {
	manager := NewManager(testutil.LocalRedis(t))
	ctx := context.Background()
	key := UploadsKey("UC1")

	if err := manager.Set(ctx, key, NewEntry("UU1", 5*time.Minute)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	retrieved, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved.Value != "UU1" {
		t.Errorf("Value = %q, want UU1", retrieved.Value)
	}

	ttl, _ := manager.redis.TTL(ctx, key.String()).Result()
	if ttl <= 0 || ttl > 5*time.Minute {
		t.Errorf("redis TTL = %v, want within (0, 5m]", ttl)
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	manager := NewManager(testutil.LocalRedis(t))

	_, err := manager.Get(context.Background(), UploadsKey("UCnone"))
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Get_ExpiredEntry(t *testing.T) {
	manager := NewManager(testutil.LocalRedis(t))
	ctx := context.Background()
	key := UploadsKey("UC1")

	// Set should not cache expired entries
	if err := manager.Set(ctx, key, NewEntry("UU1", -time.Hour)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss for expired entry, got %v", err)
	}
}

func TestManager_Get_InvalidEntry(t *testing.T) {
	client := testutil.LocalRedis(t)
	manager := NewManager(client)
	ctx := context.Background()
	key := UploadsKey("UC1")

	client.Set(ctx, key.String(), "not json", time.Minute)

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}
}

func TestManager_Delete(t *testing.T) {
	manager := NewManager(testutil.LocalRedis(t))
	ctx := context.Background()
	key := UploadsKey("UC1")

	if err := manager.Set(ctx, key, NewEntry("UU1", time.Minute)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestManager_Set_NilEntry(t *testing.T) {
	manager := NewManager(testutil.LocalRedis(t))

	if err := manager.Set(context.Background(), UploadsKey("UC1"), nil); err == nil {
		t.Error("Set with nil entry should return error")
	}
}

// countingResolver counts remote lookups.
type countingResolver struct {
	calls int
	err   error
}

func (c *countingResolver) UploadsCollection(_ context.Context, channelID string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return "UU" + channelID[2:], nil
}

func TestUploadsResolver_CachesLookups(t *testing.T) {
	next := &countingResolver{}
	r := NewUploadsResolver(NewManager(testutil.LocalRedis(t)), next, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := r.UploadsCollection(ctx, "UCabc")
		if err != nil {
			t.Fatalf("UploadsCollection() error = %v", err)
		}
		if id != "UUabc" {
			t.Errorf("UploadsCollection() = %q, want UUabc", id)
		}
	}
	if next.calls != 1 {
		t.Errorf("remote calls = %d, want 1", next.calls)
	}
}

func TestUploadsResolver_ErrorsAreNotCached(t *testing.T) {
	boom := errors.New("boom")
	next := &countingResolver{err: boom}
	r := NewUploadsResolver(NewManager(testutil.LocalRedis(t)), next, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.UploadsCollection(ctx, "UCabc"); !errors.Is(err, boom) {
			t.Fatalf("UploadsCollection() error = %v, want boom", err)
		}
	}
	if next.calls != 2 {
		t.Errorf("remote calls = %d, want 2", next.calls)
	}
}

func TestUploadsResolver_WithoutManager(t *testing.T) {
	next := &countingResolver{}
	r := NewUploadsResolver(nil, next, 0)

	r.UploadsCollection(context.Background(), "UCabc")
	r.UploadsCollection(context.Background(), "UCabc")
	if next.calls != 2 {
		t.Errorf("remote calls = %d, want 2 without cache", next.calls)
	}
	if r.ttl != DefaultUploadsTTL {
		t.Errorf("ttl = %v, want %v", r.ttl, DefaultUploadsTTL)
	}
}

func TestUploadsResolver_RedisDownFallsThrough(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	next := &countingResolver{}
	r := NewUploadsResolver(NewManager(client), next, time.Minute)

	id, err := r.UploadsCollection(context.Background(), "UCabc")
	if err != nil || id != "UUabc" {
		t.Errorf("UploadsCollection() = %q, %v; want UUabc, nil", id, err)
	}
}
