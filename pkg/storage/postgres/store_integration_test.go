//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/yt-harvester/internal/testutil"
	"github.com/Sternrassler/yt-harvester/pkg/domain"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := testutil.StartPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := New(ctx, Config{DSN: dsn})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(day int) time.Time {
	return time.Date(2024, 2, day, 8, 30, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func TestIntegration_UpsertAndRefresh(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.AddChannel(ctx, domain.ChannelState{ID: "UC1", NeedsBackfill: true}); err != nil {
		t.Fatalf("AddChannel() error = %v", err)
	}

	rec := domain.ResolvedRecord{
		ID: "v1", ChannelID: "UC1", Title: "first", PublishedAt: ts(2),
		Views: 5, Duration: "PT30S", DurationSeconds: 30, Classification: domain.Short,
	}
	inserted, err := s.UpsertRecord(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("UpsertRecord() = %v, %v; want true, nil", inserted, err)
	}
	rec.Views = 6
	inserted, err = s.UpsertRecord(ctx, rec)
	if err != nil || inserted {
		t.Fatalf("UpsertRecord() again = %v, %v; want false, nil", inserted, err)
	}

	rec.Views = 60
	rec.Classification = domain.Undetermined
	if err := s.UpdateCounters(ctx, rec); err != nil {
		t.Fatalf("UpdateCounters() error = %v", err)
	}

	stored, err := s.RecordsByChannel(ctx, "UC1")
	if err != nil {
		t.Fatalf("RecordsByChannel() error = %v", err)
	}
	if len(stored) != 1 || stored[0].Views != 60 {
		t.Fatalf("stored = %+v, want one record with 60 views", stored)
	}
	if stored[0].IsShort == nil || !*stored[0].IsShort {
		t.Errorf("IsShort = %v, want true kept", stored[0].IsShort)
	}

	if _, err := s.UpsertRecord(ctx, rec); err != nil {
		t.Fatalf("undetermined UpsertRecord() error = %v", err)
	}
	var format string
	if err := s.pool.QueryRow(ctx, `SELECT format FROM videos WHERE video_id = 'v1'`).Scan(&format); err != nil {
		t.Fatalf("select format: %v", err)
	}
	if format != "9:16" {
		t.Errorf("format = %s, want 9:16 kept with is_short", format)
	}

	if err := s.MarkBackfillComplete(ctx, "UC1"); err != nil {
		t.Fatalf("MarkBackfillComplete() error = %v", err)
	}
	channels, _ := s.ChannelList(ctx)
	if channels[0].NeedsBackfill {
		t.Error("NeedsBackfill still set")
	}
}

func TestIntegration_CursorMonotonic(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	s.AddChannel(ctx, domain.ChannelState{ID: "UC1"})

	var wg sync.WaitGroup
	for day := 1; day <= 20; day++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			if err := s.UpdateCursor(ctx, "UC1", ptr(ts(day)), ptr(ts(day))); err != nil {
				t.Errorf("UpdateCursor(%d) error = %v", day, err)
			}
		}(day)
	}
	wg.Wait()

	// Nil sides leave the stored values alone.
	if err := s.UpdateCursor(ctx, "UC1", nil, ptr(ts(10))); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}

	channels, err := s.ChannelList(ctx)
	if err != nil {
		t.Fatalf("ChannelList() error = %v", err)
	}
	c := channels[0].Cursor
	if c.OldestSeen == nil || !c.OldestSeen.Equal(ts(1)) {
		t.Errorf("OldestSeen = %v, want %v", c.OldestSeen, ts(1))
	}
	if c.NewestSeen == nil || !c.NewestSeen.Equal(ts(20)) {
		t.Errorf("NewestSeen = %v, want %v", c.NewestSeen, ts(20))
	}

	if err := s.UpdateCursor(ctx, "UCghost", ptr(ts(1)), nil); err == nil {
		t.Error("UpdateCursor() on unknown channel should fail")
	}
}
