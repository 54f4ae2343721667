// Package testutil provides testing utilities for the harvester: a fake
// YouTube Data API server and Redis helpers.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockVideo is one video served by MockYouTube.
type MockVideo struct {
	ID          string
	ChannelID   string
	Title       string
	PublishedAt time.Time
	Views       int64
	Likes       int64
	Comments    int64
	Duration    string
	Tags        []string
	EmbedWidth  int64
	EmbedHeight int64
}

// MockYouTube is a configurable fake of the YouTube Data API v3 endpoints
// used by the harvester: channels, playlistItems and videos.
type MockYouTube struct {
	server *httptest.Server
	mu     sync.Mutex

	// PageSize is the number of playlist items per page.
	PageSize int

	uploads   map[string]string
	playlists map[string][]MockVideo
	videos    map[string]MockVideo
	hidden    map[string]bool
	exhausted map[string]bool
	failures  map[string][]int
	hang      map[string]bool
	release   chan struct{}

	requests map[string]int
	keys     []string
}

// NewMockYouTube starts a new fake API server.
func NewMockYouTube() *MockYouTube {
	m := &MockYouTube{
		PageSize:  50,
		uploads:   make(map[string]string),
		playlists: make(map[string][]MockVideo),
		videos:    make(map[string]MockVideo),
		hidden:    make(map[string]bool),
		exhausted: make(map[string]bool),
		failures:  make(map[string][]int),
		hang:      make(map[string]bool),
		release:   make(chan struct{}),
		requests:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/channels", m.handleChannels)
	mux.HandleFunc("/youtube/v3/playlistItems", m.handlePlaylistItems)
	mux.HandleFunc("/youtube/v3/videos", m.handleVideos)
	m.server = httptest.NewServer(mux)

	return m
}

// Endpoint returns the base URL to pass to the API client.
func (m *MockYouTube) Endpoint() string {
	return m.server.URL + "/"
}

// Close shuts down the server and releases hanging handlers.
func (m *MockYouTube) Close() {
	m.mu.Lock()
	select {
	case <-m.release:
	default:
		close(m.release)
	}
	m.mu.Unlock()
	m.server.CloseClientConnections()
	m.server.Close()
}

// AddChannel registers a channel with its uploads playlist and videos.
// Videos are served newest first regardless of the order given.
func (m *MockYouTube) AddChannel(channelID string, videos ...MockVideo) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	playlistID := "UU" + strings.TrimPrefix(channelID, "UC")
	m.uploads[channelID] = playlistID

	list := m.playlists[playlistID]
	for _, v := range videos {
		if v.ChannelID == "" {
			v.ChannelID = channelID
		}
		m.videos[v.ID] = v
		list = append(list, v)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].PublishedAt.After(list[j].PublishedAt)
	})
	m.playlists[playlistID] = list
	return playlistID
}

// SetVideo replaces the details served for a video.
func (m *MockYouTube) SetVideo(v MockVideo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos[v.ID] = v
}

// HideVideo makes videos.list omit the video, as for a deleted upload.
func (m *MockYouTube) HideVideo(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hidden[id] = true
}

// ExhaustKey makes every request with key fail with 403 quotaExceeded.
func (m *MockYouTube) ExhaustKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted[key] = true
}

// FailNext queues HTTP status codes returned by the next requests to an
// endpoint ("channels", "playlistItems" or "videos").
func (m *MockYouTube) FailNext(endpoint string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[endpoint] = append(m.failures[endpoint], statuses...)
}

// HangPlaylist makes playlistItems requests for playlistID block until the
// client gives up or the server closes.
func (m *MockYouTube) HangPlaylist(playlistID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hang[playlistID] = true
}

// RequestCount returns the number of requests served for an endpoint.
func (m *MockYouTube) RequestCount(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[endpoint]
}

// KeysSeen returns the API keys of every request in arrival order.
func (m *MockYouTube) KeysSeen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

// admit records the request and returns a status to fail with, or 0.
func (m *MockYouTube) admit(endpoint string, r *http.Request) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.URL.Query().Get("key")
	if key == "" {
		key = r.Header.Get("X-Goog-Api-Key")
	}
	m.requests[endpoint]++
	m.keys = append(m.keys, key)

	if m.exhausted[key] {
		return http.StatusForbidden
	}
	if q := m.failures[endpoint]; len(q) > 0 {
		m.failures[endpoint] = q[1:]
		return q[0]
	}
	return 0
}

func (m *MockYouTube) handleChannels(w http.ResponseWriter, r *http.Request) {
	if status := m.admit("channels", r); status != 0 {
		writeError(w, status)
		return
	}

	m.mu.Lock()
	var items []map[string]any
	for _, id := range splitIDs(r.URL.Query()["id"]) {
		if uploads, ok := m.uploads[id]; ok {
			items = append(items, map[string]any{
				"id": id,
				"contentDetails": map[string]any{
					"relatedPlaylists": map[string]any{"uploads": uploads},
				},
			})
		}
	}
	m.mu.Unlock()

	writeJSON(w, map[string]any{"kind": "youtube#channelListResponse", "items": items})
}

func (m *MockYouTube) handlePlaylistItems(w http.ResponseWriter, r *http.Request) {
	if status := m.admit("playlistItems", r); status != 0 {
		writeError(w, status)
		return
	}

	playlistID := r.URL.Query().Get("playlistId")

	m.mu.Lock()
	hang := m.hang[playlistID]
	m.mu.Unlock()
	if hang {
		select {
		case <-r.Context().Done():
		case <-m.release:
		}
		return
	}

	m.mu.Lock()
	videos, ok := m.playlists[playlistID]
	pageSize := m.PageSize
	m.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}

	offset := 0
	if tok := r.URL.Query().Get("pageToken"); tok != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(tok, "p"))
		if err != nil {
			writeError(w, http.StatusBadRequest)
			return
		}
		offset = n
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if offset > len(videos) {
		offset = len(videos)
	}
	end := offset + pageSize
	if end > len(videos) {
		end = len(videos)
	}

	items := make([]map[string]any, 0, end-offset)
	for _, v := range videos[offset:end] {
		published := v.PublishedAt.UTC().Format(time.RFC3339)
		items = append(items, map[string]any{
			"snippet": map[string]any{
				"publishedAt":         published,
				"channelId":           "UC" + strings.TrimPrefix(playlistID, "UU"),
				"title":               v.Title,
				"videoOwnerChannelId": v.ChannelID,
				"resourceId":          map[string]any{"kind": "youtube#video", "videoId": v.ID},
			},
			"contentDetails": map[string]any{
				"videoId":          v.ID,
				"videoPublishedAt": published,
			},
		})
	}

	resp := map[string]any{"kind": "youtube#playlistItemListResponse", "items": items}
	if end < len(videos) {
		resp["nextPageToken"] = fmt.Sprintf("p%d", end)
	}
	writeJSON(w, resp)
}

func (m *MockYouTube) handleVideos(w http.ResponseWriter, r *http.Request) {
	if status := m.admit("videos", r); status != 0 {
		writeError(w, status)
		return
	}

	ids := splitIDs(r.URL.Query()["id"])
	if len(ids) > 50 {
		writeError(w, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		v, ok := m.videos[id]
		if !ok || m.hidden[id] {
			continue
		}
		item := map[string]any{
			"id": v.ID,
			"snippet": map[string]any{
				"channelId":   v.ChannelID,
				"title":       v.Title,
				"publishedAt": v.PublishedAt.UTC().Format(time.RFC3339),
				"tags":        v.Tags,
			},
			"statistics": map[string]any{
				"viewCount":    strconv.FormatInt(v.Views, 10),
				"likeCount":    strconv.FormatInt(v.Likes, 10),
				"commentCount": strconv.FormatInt(v.Comments, 10),
			},
			"contentDetails": map[string]any{"duration": v.Duration},
		}
		if v.EmbedWidth > 0 || v.EmbedHeight > 0 {
			item["player"] = map[string]any{
				"embedWidth":  strconv.FormatInt(v.EmbedWidth, 10),
				"embedHeight": strconv.FormatInt(v.EmbedHeight, 10),
			}
		}
		items = append(items, item)
	}
	m.mu.Unlock()

	writeJSON(w, map[string]any{"kind": "youtube#videoListResponse", "items": items})
}

func splitIDs(values []string) []string {
	var ids []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error body in the Google API format.
func writeError(w http.ResponseWriter, status int) {
	reason := "backendError"
	switch status {
	case http.StatusForbidden:
		reason = "quotaExceeded"
	case http.StatusNotFound:
		reason = "notFound"
	case http.StatusBadRequest:
		reason = "badRequest"
	case http.StatusTooManyRequests:
		reason = "rateLimitExceeded"
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": http.StatusText(status),
			"errors": []map[string]any{
				{"reason": reason, "message": http.StatusText(status)},
			},
		},
	})
}
