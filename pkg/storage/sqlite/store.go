// Package sqlite implements the harvester's storage ports on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS channels (
    channel_id            TEXT PRIMARY KEY,
    name                  TEXT NOT NULL DEFAULT '',
    priority              INTEGER NOT NULL DEFAULT 0,
    needs_backfill        INTEGER NOT NULL DEFAULT 1,
    oldest_seen           TEXT,
    newest_seen           TEXT,
    backfill_completed_at TEXT,
    created_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS videos (
    video_id         TEXT PRIMARY KEY,
    channel_id       TEXT NOT NULL,
    title            TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    url              TEXT NOT NULL,
    published_at     TEXT NOT NULL,
    views            INTEGER NOT NULL DEFAULT 0,
    likes            INTEGER NOT NULL DEFAULT 0,
    comments         INTEGER NOT NULL DEFAULT 0,
    duration         TEXT NOT NULL DEFAULT '',
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    tags             TEXT NOT NULL DEFAULT '[]',
    is_short         INTEGER,
    format           TEXT NOT NULL DEFAULT '16:9',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_videos_channel ON videos(channel_id);
`

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrChannelNotFound is returned when a cursor update names an unknown channel.
var ErrChannelNotFound = errors.New("channel not found")

// Store implements domain.Storage, domain.BackfillMarker and domain.RefreshStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens the database at dbPath, creating it and its schema if needed.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Serialise writers; cursor updates read then write inside one transaction.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddChannel inserts a roster entry or updates its name and priority.
// Cursor and backfill state of an existing channel are kept.
func (s *Store) AddChannel(ctx context.Context, ch domain.ChannelState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (channel_id, name, priority, needs_backfill, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id) DO UPDATE SET name = excluded.name, priority = excluded.priority`,
		ch.ID, ch.Name, ch.Priority, ch.NeedsBackfill, formatTime(s.now()),
	)
	return err
}

// ChannelList returns the roster.
func (s *Store) ChannelList(ctx context.Context) ([]domain.ChannelState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, name, priority, needs_backfill, oldest_seen, newest_seen
		 FROM channels ORDER BY channel_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.ChannelState
	for rows.Next() {
		var ch domain.ChannelState
		var oldest, newest sql.NullString
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Priority, &ch.NeedsBackfill, &oldest, &newest); err != nil {
			return nil, err
		}
		if ch.Cursor.OldestSeen, err = parseNullTime(oldest); err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.ID, err)
		}
		if ch.Cursor.NewestSeen, err = parseNullTime(newest); err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.ID, err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// RecordExists reports whether a record with id is stored.
func (s *Store) RecordExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM videos WHERE video_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpsertRecord stores rec and reports whether it was newly inserted.
func (s *Store) UpsertRecord(ctx context.Context, rec domain.ResolvedRecord) (bool, error) {
	tags, err := json.Marshal(nonNil(rec.Tags))
	if err != nil {
		return false, fmt.Errorf("encode tags: %w", err)
	}
	now := formatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO videos (video_id, channel_id, title, description, url, published_at,
		     views, likes, comments, duration, duration_seconds, tags, is_short, format,
		     created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (video_id) DO NOTHING`,
		rec.ID, rec.ChannelID, rec.Title, rec.Description, rec.URL(), formatTime(rec.PublishedAt),
		rec.Views, rec.Likes, rec.Comments, rec.Duration, rec.DurationSeconds, string(tags),
		nullBool(rec.IsShort()), rec.Format(), now, now,
	)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if inserted == 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE videos SET title = ?, description = ?, views = ?, likes = ?, comments = ?,
			     duration = ?, duration_seconds = ?, tags = ?,
			     is_short = COALESCE(?, is_short), format = COALESCE(?, format), updated_at = ?
			 WHERE video_id = ?`,
			rec.Title, rec.Description, rec.Views, rec.Likes, rec.Comments,
			rec.Duration, rec.DurationSeconds, string(tags),
			nullBool(rec.IsShort()), nullFormat(rec), now, rec.ID,
		)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return inserted > 0, nil
}

// UpdateCursor widens the channel cursor; a side only ever moves outward.
func (s *Store) UpdateCursor(ctx context.Context, channelID string, oldest, newest *time.Time) error {
	if oldest == nil && newest == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var curOldest, curNewest sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT oldest_seen, newest_seen FROM channels WHERE channel_id = ?`, channelID,
	).Scan(&curOldest, &curNewest)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if err != nil {
		return err
	}

	var cur domain.Cursor
	if cur.OldestSeen, err = parseNullTime(curOldest); err != nil {
		return err
	}
	if cur.NewestSeen, err = parseNullTime(curNewest); err != nil {
		return err
	}

	newOldest, newNewest := cur.Advance(oldest, newest)
	if newOldest == nil && newNewest == nil {
		return nil
	}
	if newOldest != nil {
		curOldest = sql.NullString{String: formatTime(*newOldest), Valid: true}
	}
	if newNewest != nil {
		curNewest = sql.NullString{String: formatTime(*newNewest), Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE channels SET oldest_seen = ?, newest_seen = ? WHERE channel_id = ?`,
		curOldest, curNewest, channelID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkBackfillComplete clears the channel's backfill flag.
func (s *Store) MarkBackfillComplete(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET needs_backfill = 0, backfill_completed_at = ? WHERE channel_id = ?`,
		formatTime(s.now()), channelID,
	)
	return err
}

// RecordsByChannel returns the stored records of a channel, newest first.
func (s *Store) RecordsByChannel(ctx context.Context, channelID string) ([]domain.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT video_id, channel_id, title, published_at, views, likes, comments, is_short
		 FROM videos WHERE channel_id = ? ORDER BY published_at DESC`, channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.StoredRecord
	for rows.Next() {
		var r domain.StoredRecord
		var published string
		var short sql.NullBool
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.Title, &published, &r.Views, &r.Likes, &r.Comments, &short); err != nil {
			return nil, err
		}
		if r.PublishedAt, err = time.Parse(timeLayout, published); err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		if short.Valid {
			r.IsShort = &short.Bool
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UpdateCounters writes refreshed counters and classification of rec.
func (s *Store) UpdateCounters(ctx context.Context, rec domain.ResolvedRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE videos SET views = ?, likes = ?, comments = ?,
		     is_short = COALESCE(?, is_short), format = COALESCE(?, format), updated_at = ?
		 WHERE video_id = ?`,
		rec.Views, rec.Likes, rec.Comments, nullBool(rec.IsShort()), nullFormat(rec), formatTime(s.now()), rec.ID,
	)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", s.String, err)
	}
	return &t, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// nullFormat is NULL for an undetermined record so the stored format stays
// consistent with the stored is_short flag.
func nullFormat(rec domain.ResolvedRecord) sql.NullString {
	if rec.IsShort() == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: rec.Format(), Valid: true}
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
