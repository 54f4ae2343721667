package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/Sternrassler/yt-harvester/internal/testutil"
	"github.com/Sternrassler/yt-harvester/pkg/domain"
)

func setupRedisStore(t *testing.T) (*RedisStore, *clock) {
	t.Helper()
	rdb := testutil.LocalRedis(t)
	clk := &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	s := NewRedisStore(rdb)
	s.now = clk.Now
	return s, clk
}

func TestRedisStore_FlushPersists(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	s.MarkDone(ctx, result("incremental:UC1", 4))
	s.MarkFailed(ctx, domain.WorkResult{UnitID: "incremental:UC2"}, "boom")

	if done, err := s.IsDone(ctx, "incremental:UC1"); err != nil || !done {
		t.Errorf("IsDone() before flush = %v, %v; want true, nil", done, err)
	}
	if n, _ := s.client.Exists(ctx, doneKey("2024-06-01")).Result(); n != 0 {
		t.Error("done hash written before Flush")
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	other := NewRedisStore(s.client)
	other.now = s.now
	if done, _ := other.IsDone(ctx, "incremental:UC1"); !done {
		t.Error("second store does not see flushed unit")
	}

	snap, err := other.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Totals.New != 4 || snap.Failed["incremental:UC2"].Reason != "boom" {
		t.Errorf("snapshot = %+v", snap)
	}

	ttl, _ := s.client.TTL(ctx, doneKey("2024-06-01")).Result()
	if ttl <= 0 || ttl > DefaultTTL {
		t.Errorf("TTL = %v, want within (0, %v]", ttl, DefaultTTL)
	}
}

func TestRedisStore_DateRollover(t *testing.T) {
	s, clk := setupRedisStore(t)
	ctx := context.Background()

	s.MarkDone(ctx, result("u", 1))
	s.Flush(ctx)

	clk.Set(clk.Now().Add(24 * time.Hour))
	if done, _ := s.IsDone(ctx, "u"); done {
		t.Error("IsDone() = true after rollover")
	}
}

func TestRedisStore_DayIsUTC(t *testing.T) {
	s, clk := setupRedisStore(t)
	ctx := context.Background()
	zone := time.FixedZone("UTC-3", -3*60*60)
	clk.Set(time.Date(2026, 1, 1, 22, 0, 0, 0, zone))

	s.MarkDone(ctx, result("incremental:UC1", 1))
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if n, _ := s.client.Exists(ctx, doneKey("2026-01-02")).Result(); n != 1 {
		t.Error("done hash not written under the UTC date 2026-01-02")
	}
	if n, _ := s.client.Exists(ctx, doneKey("2026-01-01")).Result(); n != 0 {
		t.Error("done hash written under the local date 2026-01-01")
	}
}
