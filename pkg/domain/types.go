// Package domain holds the data model shared by the extraction engine and
// the ports it uses to reach storage, checkpoints and the remote content API.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how a channel's remote collection is traversed.
type Mode string

const (
	// ModeFull walks every page of the collection.
	ModeFull Mode = "full"

	// ModeRetroactive collects items older than a bound, up to a cap.
	ModeRetroactive Mode = "retroactive"

	// ModeIncremental collects items newer than the last seen item.
	ModeIncremental Mode = "incremental"

	// ModeRefresh re-resolves records already in storage to update their counters.
	ModeRefresh Mode = "refresh"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFull, ModeRetroactive, ModeIncremental, ModeRefresh:
		return m, nil
	case "":
		return ModeIncremental, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// ChannelState is one roster entry as seen by the engine.
type ChannelState struct {
	ID            string
	Name          string
	Priority      int
	NeedsBackfill bool
	Cursor        Cursor
}

// SortKey is the scheduling weight of a channel: higher runs first.
func (c ChannelState) SortKey() int {
	if c.NeedsBackfill {
		return c.Priority + 2
	}
	return c.Priority
}

// TraversalRequest describes one pagination run over a remote collection.
type TraversalRequest struct {
	ChannelID    string
	CollectionID string
	Mode         Mode

	// Bound is the mode-dependent time boundary:
	// FULL skips items at or after it, RETROACTIVE keeps items before it
	// (nil means now), INCREMENTAL keeps items after it.
	Bound *time.Time

	// MaxItems caps RETROACTIVE runs and INCREMENTAL runs without a bound.
	// Zero means no cap.
	MaxItems int
}

// PageItem is one raw entry of a listing page.
type PageItem struct {
	ID          string
	OwnerID     string
	Title       string
	PublishedAt time.Time
}

// Page is one listing response. An empty NextToken marks the end of the collection.
type Page struct {
	Items     []PageItem
	NextToken string
}

// RawItemStub is the minimal identifying data of an item found while paging.
type RawItemStub struct {
	ID          string
	ChannelID   string
	Title       string
	PublishedAt time.Time

	// KnownShort carries a classification already recorded for the item, if any.
	KnownShort *bool
}

// Detail is one full item as returned by the remote detail endpoint.
type Detail struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	PublishedAt time.Time
	Views       int64
	Likes       int64
	Comments    int64
	Duration    string
	Tags        []string
	EmbedWidth  int64
	EmbedHeight int64
}

// Classification is the short/long verdict of a record.
type Classification int

const (
	// Undetermined records carry no usable signal and are excluded from
	// duration-based aggregates.
	Undetermined Classification = iota
	Short
	Long
)

// String implements fmt.Stringer.
func (c Classification) String() string {
	switch c {
	case Short:
		return "short"
	case Long:
		return "long"
	default:
		return "undetermined"
	}
}

// ResolvedRecord is a fully detailed item ready for storage.
type ResolvedRecord struct {
	ID              string
	ChannelID       string
	Title           string
	Description     string
	PublishedAt     time.Time
	Views           int64
	Likes           int64
	Comments        int64
	Duration        string
	DurationSeconds int64
	Tags            []string
	Classification  Classification
}

// URL returns the public watch URL of the record.
func (r ResolvedRecord) URL() string {
	return "https://www.youtube.com/watch?v=" + r.ID
}

// Format returns the display format stored alongside the record.
func (r ResolvedRecord) Format() string {
	if r.Classification == Short {
		return "9:16"
	}
	return "16:9"
}

// IsShort reports the classification as a nullable flag.
func (r ResolvedRecord) IsShort() *bool {
	if r.Classification == Undetermined {
		return nil
	}
	v := r.Classification == Short
	return &v
}

// StoredRecord is the subset of a persisted record needed to refresh it.
type StoredRecord struct {
	ID          string
	ChannelID   string
	Title       string
	PublishedAt time.Time
	Views       int64
	Likes       int64
	Comments    int64
	IsShort     *bool
}

// CountersDiffer reports whether the remote counters differ from the stored ones.
func (s StoredRecord) CountersDiffer(r ResolvedRecord) bool {
	return s.Views != r.Views || s.Likes != r.Likes || s.Comments != r.Comments
}

// UnitState is the lifecycle state of a WorkUnit.
type UnitState string

const (
	StatePending   UnitState = "PENDING"
	StateRunning   UnitState = "RUNNING"
	StateSucceeded UnitState = "SUCCEEDED"
	StateFailed    UnitState = "FAILED"
	StateTimedOut  UnitState = "TIMED_OUT"
	StateSkipped   UnitState = "SKIPPED"
	StateCancelled UnitState = "CANCELLED"
	StateAborted   UnitState = "ABORTED"
)

// WorkUnit is one channel's extraction task within a pass.
type WorkUnit struct {
	Channel ChannelState
	Mode    Mode
}

// ID returns the checkpoint key of the unit.
func (u WorkUnit) ID() string {
	return string(u.Mode) + ":" + u.Channel.ID
}

// WorkResult is the outcome of one WorkUnit.
type WorkResult struct {
	UnitID    string        `json:"unit_id"`
	ChannelID string        `json:"channel_id"`
	Mode      Mode          `json:"mode"`
	State     UnitState     `json:"state"`
	New       int           `json:"new"`
	Existing  int           `json:"existing"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Errors    int           `json:"errors"`
	Dropped   int           `json:"dropped"`
	Missing   int           `json:"missing"`
	Elapsed   time.Duration `json:"elapsed"`
	Err       string        `json:"error,omitempty"`
}

// Add sums the item counters of other into r.
func (r *WorkResult) Add(other WorkResult) {
	r.New += other.New
	r.Existing += other.Existing
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Errors += other.Errors
	r.Dropped += other.Dropped
	r.Missing += other.Missing
	r.Elapsed += other.Elapsed
}
