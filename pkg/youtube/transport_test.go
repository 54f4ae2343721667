package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/yt-harvester/internal/testutil"
	"github.com/Sternrassler/yt-harvester/pkg/client"
	"github.com/Sternrassler/yt-harvester/pkg/credentials"
)

const testChannel = "UCaaaaaaaaaaaaaaaaaaaaaa"

func day(n int) time.Time {
	return time.Date(2024, 1, n, 12, 0, 0, 0, time.UTC)
}

func setupMock(t *testing.T) *testutil.MockYouTube {
	t.Helper()
	mock := testutil.NewMockYouTube()
	t.Cleanup(mock.Close)
	return mock
}

func newTransport(t *testing.T, mock *testutil.MockYouTube, key string) *Transport {
	t.Helper()
	opts := DefaultOptions()
	opts.Endpoint = mock.Endpoint()
	tr, err := New(context.Background(), key, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tr
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(context.Background(), "", DefaultOptions()); err == nil {
		t.Error("New() with empty key should fail")
	}
}

func TestTransport_ListPage(t *testing.T) {
	mock := setupMock(t)
	mock.PageSize = 2
	playlist := mock.AddChannel(testChannel,
		testutil.MockVideo{ID: "v1", Title: "one", PublishedAt: day(1)},
		testutil.MockVideo{ID: "v3", Title: "three", PublishedAt: day(3)},
		testutil.MockVideo{ID: "v2", Title: "two", PublishedAt: day(2)},
	)
	tr := newTransport(t, mock, "key-1")
	ctx := context.Background()

	page, err := tr.ListPage(ctx, playlist, "")
	if err != nil {
		t.Fatalf("ListPage() error = %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(page.Items))
	}
	first := page.Items[0]
	if first.ID != "v3" || first.Title != "three" || first.OwnerID != testChannel {
		t.Errorf("first item = %+v, want v3 owned by %s", first, testChannel)
	}
	if !first.PublishedAt.Equal(day(3)) {
		t.Errorf("PublishedAt = %v, want %v", first.PublishedAt, day(3))
	}
	if page.NextToken == "" {
		t.Fatal("NextToken should be set on the first page")
	}

	page, err = tr.ListPage(ctx, playlist, page.NextToken)
	if err != nil {
		t.Fatalf("ListPage() second page error = %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "v1" {
		t.Errorf("second page = %+v, want [v1]", page.Items)
	}
	if page.NextToken != "" {
		t.Errorf("NextToken = %q, want empty on last page", page.NextToken)
	}

	if keys := mock.KeysSeen(); len(keys) != 2 || keys[0] != "key-1" {
		t.Errorf("KeysSeen() = %v, want key-1 on every request", keys)
	}
}

func TestTransport_Details(t *testing.T) {
	mock := setupMock(t)
	mock.AddChannel(testChannel,
		testutil.MockVideo{
			ID: "v1", Title: "long one", PublishedAt: day(1),
			Views: 1000, Likes: 50, Comments: 7,
			Duration: "PT10M5S", Tags: []string{"a", "b"},
			EmbedWidth: 1280, EmbedHeight: 720,
		},
		testutil.MockVideo{ID: "v2", PublishedAt: day(2), Duration: "PT45S"},
	)
	mock.HideVideo("v2")
	tr := newTransport(t, mock, "key-1")

	details, err := tr.Details(context.Background(), []string{"v1", "v2"})
	if err != nil {
		t.Fatalf("Details() error = %v", err)
	}
	if len(details) != 1 {
		t.Fatalf("len(details) = %d, want 1 (hidden video omitted)", len(details))
	}

	d := details[0]
	if d.ID != "v1" || d.OwnerID != testChannel {
		t.Errorf("detail = %+v", d)
	}
	if d.Views != 1000 || d.Likes != 50 || d.Comments != 7 {
		t.Errorf("counters = %d/%d/%d, want 1000/50/7", d.Views, d.Likes, d.Comments)
	}
	if d.Duration != "PT10M5S" {
		t.Errorf("Duration = %q, want PT10M5S", d.Duration)
	}
	if d.EmbedWidth != 1280 || d.EmbedHeight != 720 {
		t.Errorf("embed = %dx%d, want 1280x720", d.EmbedWidth, d.EmbedHeight)
	}
	if len(d.Tags) != 2 {
		t.Errorf("Tags = %v, want 2 tags", d.Tags)
	}
}

func TestTransport_DetailsBatchLimit(t *testing.T) {
	mock := setupMock(t)
	tr := newTransport(t, mock, "key-1")

	ids := make([]string, MaxBatchSize+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("v%d", i)
	}

	_, err := tr.Details(context.Background(), ids)
	if client.Classify(err) != client.ErrorClassClient {
		t.Errorf("Details() error = %v, want client class", err)
	}
	if got := mock.RequestCount("videos"); got != 0 {
		t.Errorf("RequestCount(videos) = %d, want 0", got)
	}

	details, err := tr.Details(context.Background(), nil)
	if err != nil || details != nil {
		t.Errorf("Details(nil) = %v, %v; want nil, nil", details, err)
	}
}

func TestTransport_UploadsCollection(t *testing.T) {
	mock := setupMock(t)
	want := mock.AddChannel(testChannel)
	tr := newTransport(t, mock, "key-1")
	ctx := context.Background()

	got, err := tr.UploadsCollection(ctx, testChannel)
	if err != nil {
		t.Fatalf("UploadsCollection() error = %v", err)
	}
	if got != want {
		t.Errorf("UploadsCollection() = %q, want %q", got, want)
	}

	_, err = tr.UploadsCollection(ctx, "UCmissingmissingmissing0")
	if !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("UploadsCollection() error = %v, want ErrChannelNotFound", err)
	}
	if client.Classify(err) != client.ErrorClassClient {
		t.Errorf("Classify() = %v, want client", client.Classify(err))
	}
}

func TestTransport_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(m *testutil.MockYouTube)
		status int
		class  client.ErrorClass
	}{
		{
			name:   "quota",
			setup:  func(m *testutil.MockYouTube) { m.ExhaustKey("key-1") },
			status: http.StatusForbidden,
			class:  client.ErrorClassQuota,
		},
		{
			name:   "server",
			setup:  func(m *testutil.MockYouTube) { m.FailNext("playlistItems", http.StatusServiceUnavailable) },
			status: http.StatusServiceUnavailable,
			class:  client.ErrorClassServer,
		},
		{
			name:   "not found",
			setup:  func(m *testutil.MockYouTube) {},
			status: http.StatusNotFound,
			class:  client.ErrorClassClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := setupMock(t)
			tt.setup(mock)
			tr := newTransport(t, mock, "key-1")

			_, err := tr.ListPage(context.Background(), "UUunknown", "")
			if got := client.StatusCode(err); got != tt.status {
				t.Errorf("StatusCode() = %d, want %d (err = %v)", got, tt.status, err)
			}
			if got := client.Classify(err); got != tt.class {
				t.Errorf("Classify() = %v, want %v", got, tt.class)
			}
		})
	}
}

func TestRetryClient_RotatesThroughTransport(t *testing.T) {
	mock := setupMock(t)
	playlist := mock.AddChannel(testChannel, testutil.MockVideo{ID: "v1", PublishedAt: day(1)})
	mock.ExhaustKey("key-one")

	pool := credentials.NewPool([]string{"key-one", "key-two"})
	opts := DefaultOptions()
	opts.Endpoint = mock.Endpoint()

	cfg := client.DefaultConfig()
	cfg.CallDelay = 0
	c, err := client.New(pool, NewFactory(opts), cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	page, err := c.ListPage(context.Background(), playlist, "")
	if err != nil {
		t.Fatalf("ListPage() error = %v", err)
	}
	if len(page.Items) != 1 {
		t.Errorf("len(Items) = %d, want 1", len(page.Items))
	}

	keys := mock.KeysSeen()
	if len(keys) != 2 || keys[0] != "key-one" || keys[1] != "key-two" {
		t.Errorf("KeysSeen() = %v, want [key-one key-two]", keys)
	}
	if snap := pool.Snapshot(); !snap[0].Exhausted || snap[1].Usage != 1 {
		t.Errorf("pool = %+v, want key-one exhausted and key-two used once", snap)
	}
}
