package pagination

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/domain"
)

const channel = "UCowner"

// pagedSource serves fixed pages and counts fetches.
type pagedSource struct {
	pages [][]domain.PageItem
	calls int
	err   error
	// onFetch runs after each fetch, e.g. to raise a stop flag.
	onFetch func(n int)
}

func (s *pagedSource) ListPage(_ context.Context, _ string, token string) (*domain.Page, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	idx := 0
	if token != "" {
		fmt.Sscanf(token, "p%d", &idx)
	}
	page := &domain.Page{Items: s.pages[idx]}
	if idx+1 < len(s.pages) {
		page.NextToken = fmt.Sprintf("p%d", idx+1)
	}
	if s.onFetch != nil {
		s.onFetch(s.calls)
	}
	return page, nil
}

func at(hour int) time.Time {
	return time.Date(2024, 3, 1, hour, 0, 0, 0, time.UTC)
}

func item(id string, hour int) domain.PageItem {
	return domain.PageItem{ID: id, OwnerID: channel, PublishedAt: at(hour)}
}

// newestFirst builds pages of size per page with ids h<hour>, from hour
// start down to 1.
func newestFirst(start, per int) [][]domain.PageItem {
	var pages [][]domain.PageItem
	var cur []domain.PageItem
	for h := start; h >= 1; h-- {
		cur = append(cur, item(fmt.Sprintf("h%d", h), h))
		if len(cur) == per {
			pages = append(pages, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		pages = append(pages, cur)
	}
	return pages
}

func ids(stubs []domain.RawItemStub) []string {
	out := make([]string, len(stubs))
	for i, s := range stubs {
		out[i] = s.ID
	}
	return out
}

func ptr(t time.Time) *time.Time { return &t }

func TestTraverse_IncrementalStopsAtBoundary(t *testing.T) {
	// Pages: [h10 h9 h8] [h7 h6 h5] [h4 h3 h2] [h1]
	src := &pagedSource{pages: newestFirst(10, 3)}
	engine := NewEngine(src, DefaultConfig(), nil)

	res, err := engine.Traverse(context.Background(), domain.TraversalRequest{
		ChannelID: channel,
		Mode:      domain.ModeIncremental,
		Bound:     ptr(at(6)),
	})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}

	got := ids(res.Stubs)
	want := []string{"h10", "h9", "h8", "h7"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("stubs = %v, want %v", got, want)
	}
	if src.calls != 2 {
		t.Errorf("page fetches = %d, want 2 (no call past the boundary page)", src.calls)
	}
	if res.Exhausted {
		t.Error("Exhausted should be false when the boundary was hit")
	}
}

func TestTraverse_IncrementalWithoutBoundUsesCap(t *testing.T) {
	src := &pagedSource{pages: newestFirst(10, 3)}
	engine := NewEngine(src, Config{IncrementalCap: 4}, nil)

	res, err := engine.Traverse(context.Background(), domain.TraversalRequest{
		ChannelID: channel,
		Mode:      domain.ModeIncremental,
	})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if len(res.Stubs) != 4 {
		t.Errorf("len(stubs) = %d, want 4", len(res.Stubs))
	}
	if src.calls != 2 {
		t.Errorf("page fetches = %d, want 2", src.calls)
	}
}

func TestTraverse_RetroactiveCap(t *testing.T) {
	tests := []struct {
		name      string
		bound     *time.Time
		cap       int
		wantIDs   []string
		wantCalls int
	}{
		{
			name:      "bound filters newer items",
			bound:     ptr(at(8)),
			cap:       3,
			wantIDs:   []string{"h7", "h6", "h5"},
			wantCalls: 2,
		},
		{
			name:      "no bound means now",
			cap:       2,
			wantIDs:   []string{"h10", "h9"},
			wantCalls: 1,
		},
		{
			name:      "pages exhausted before cap",
			bound:     ptr(at(3)),
			cap:       10,
			wantIDs:   []string{"h2", "h1"},
			wantCalls: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &pagedSource{pages: newestFirst(10, 3)}
			engine := NewEngine(src, Config{RetroactiveCap: tt.cap}, nil)
			engine.now = func() time.Time { return at(23) }

			res, err := engine.Traverse(context.Background(), domain.TraversalRequest{
				ChannelID: channel,
				Mode:      domain.ModeRetroactive,
				Bound:     tt.bound,
			})
			if err != nil {
				t.Fatalf("Traverse() error = %v", err)
			}
			if len(res.Stubs) > tt.cap {
				t.Errorf("len(stubs) = %d exceeds cap %d", len(res.Stubs), tt.cap)
			}
			if fmt.Sprint(ids(res.Stubs)) != fmt.Sprint(tt.wantIDs) {
				t.Errorf("stubs = %v, want %v", ids(res.Stubs), tt.wantIDs)
			}
			if src.calls != tt.wantCalls {
				t.Errorf("page fetches = %d, want %d", src.calls, tt.wantCalls)
			}
		})
	}
}

func TestTraverse_RequestCapOverridesConfig(t *testing.T) {
	src := &pagedSource{pages: newestFirst(10, 3)}
	engine := NewEngine(src, Config{RetroactiveCap: 50}, nil)

	res, err := engine.Traverse(context.Background(), domain.TraversalRequest{
		ChannelID: channel,
		Mode:      domain.ModeRetroactive,
		Bound:     ptr(at(11)),
		MaxItems:  1,
	})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if len(res.Stubs) != 1 {
		t.Errorf("len(stubs) = %d, want 1", len(res.Stubs))
	}
}

func TestTraverse_Full(t *testing.T) {
	src := &pagedSource{pages: newestFirst(7, 3)}
	engine := NewEngine(src, DefaultConfig(), nil)

	res, err := engine.Traverse(context.Background(), domain.TraversalRequest{
		ChannelID: channel,
		Mode:      domain.ModeFull,
	})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if len(res.Stubs) != 7 || !res.Exhausted || res.Pages != 3 {
		t.Errorf("result = %d stubs, exhausted %v, %d pages; want 7, true, 3",
			len(res.Stubs), res.Exhausted, res.Pages)
	}

	// Resuming a stalled backfill skips items at or after the bound.
	src = &pagedSource{pages: newestFirst(7, 3)}
	engine = NewEngine(src, DefaultConfig(), nil)
	res, err = engine.Traverse(context.Background(), domain.TraversalRequest{
		ChannelID: channel,
		Mode:      domain.ModeFull,
		Bound:     ptr(at(5)),
	})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if want := []string{"h4", "h3", "h2", "h1"}; fmt.Sprint(ids(res.Stubs)) != fmt.Sprint(want) {
		t.Errorf("stubs = %v, want %v", ids(res.Stubs), want)
	}
	if src.calls != 3 {
		t.Errorf("page fetches = %d, want 3", src.calls)
	}
}

func TestTraverse_DropsForeignAndUndatedItems(t *testing.T) {
	src := &pagedSource{pages: [][]domain.PageItem{{
		item("mine-1", 5),
		{ID: "foreign", OwnerID: "UCother", PublishedAt: at(4)},
		{ID: "undated", OwnerID: channel},
		{ID: "no-owner", PublishedAt: at(3)},
		item("mine-2", 2),
	}}}
	engine := NewEngine(src, DefaultConfig(), nil)

	res, err := engine.Traverse(context.Background(), domain.TraversalRequest{
		ChannelID: channel,
		Mode:      domain.ModeFull,
	})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}

	if want := []string{"mine-1", "no-owner", "mine-2"}; fmt.Sprint(ids(res.Stubs)) != fmt.Sprint(want) {
		t.Errorf("stubs = %v, want %v", ids(res.Stubs), want)
	}
	if res.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", res.Dropped)
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.Skipped)
	}
	for _, s := range res.Stubs {
		if s.ChannelID != channel {
			t.Errorf("stub %s ChannelID = %s, want %s", s.ID, s.ChannelID, channel)
		}
	}
}

func TestTraverse_StopBetweenPages(t *testing.T) {
	stopped := false
	src := &pagedSource{pages: newestFirst(10, 3)}
	src.onFetch = func(n int) {
		if n == 2 {
			stopped = true
		}
	}
	engine := NewEngine(src, DefaultConfig(), func() bool { return stopped })

	res, err := engine.Traverse(context.Background(), domain.TraversalRequest{
		ChannelID: channel,
		Mode:      domain.ModeFull,
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Traverse() error = %v, want ErrStopped", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil on stop", res)
	}
	if src.calls != 2 {
		t.Errorf("page fetches = %d, want 2 (in-flight page completes)", src.calls)
	}
}

func TestTraverse_Errors(t *testing.T) {
	boom := errors.New("boom")
	engine := NewEngine(&pagedSource{err: boom}, DefaultConfig(), nil)

	_, err := engine.Traverse(context.Background(), domain.TraversalRequest{ChannelID: channel, Mode: domain.ModeFull})
	if !errors.Is(err, boom) {
		t.Errorf("Traverse() error = %v, want wrapped boom", err)
	}

	_, err = engine.Traverse(context.Background(), domain.TraversalRequest{ChannelID: channel, Mode: domain.ModeRefresh})
	if !errors.Is(err, ErrUnsupportedMode) {
		t.Errorf("Traverse() refresh error = %v, want ErrUnsupportedMode", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine = NewEngine(&pagedSource{pages: newestFirst(3, 3)}, DefaultConfig(), nil)
	if _, err := engine.Traverse(ctx, domain.TraversalRequest{ChannelID: channel, Mode: domain.ModeFull}); !errors.Is(err, context.Canceled) {
		t.Errorf("Traverse() cancelled error = %v, want context.Canceled", err)
	}
}

func TestTraverse_MaxPages(t *testing.T) {
	src := &pagedSource{pages: newestFirst(10, 1)}
	engine := NewEngine(src, Config{MaxPages: 3}, nil)

	res, err := engine.Traverse(context.Background(), domain.TraversalRequest{ChannelID: channel, Mode: domain.ModeFull})
	if err != nil {
		t.Fatalf("Traverse() error = %v", err)
	}
	if res.Pages != 3 || len(res.Stubs) != 3 {
		t.Errorf("pages = %d, stubs = %d; want 3, 3", res.Pages, len(res.Stubs))
	}
}
