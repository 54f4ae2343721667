// Package postgres implements the harvester's storage ports on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS channels (
    channel_id            TEXT PRIMARY KEY,
    name                  TEXT NOT NULL DEFAULT '',
    priority              INTEGER NOT NULL DEFAULT 0,
    needs_backfill        BOOLEAN NOT NULL DEFAULT TRUE,
    oldest_seen           TIMESTAMPTZ,
    newest_seen           TIMESTAMPTZ,
    backfill_completed_at TIMESTAMPTZ,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS videos (
    video_id         TEXT PRIMARY KEY,
    channel_id       TEXT NOT NULL,
    title            TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    url              TEXT NOT NULL,
    published_at     TIMESTAMPTZ NOT NULL,
    views            BIGINT NOT NULL DEFAULT 0,
    likes            BIGINT NOT NULL DEFAULT 0,
    comments         BIGINT NOT NULL DEFAULT 0,
    duration         TEXT NOT NULL DEFAULT '',
    duration_seconds BIGINT NOT NULL DEFAULT 0,
    tags             TEXT[] NOT NULL DEFAULT '{}',
    is_short         BOOLEAN,
    format           TEXT NOT NULL DEFAULT '16:9',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_videos_channel ON videos(channel_id);
`

// ErrChannelNotFound is returned when a cursor update names an unknown channel.
var ErrChannelNotFound = errors.New("channel not found")

// Config holds pool settings.
type Config struct {
	DSN      string
	MaxConns int
}

// Store implements domain.Storage, domain.BackfillMarker and domain.RefreshStore.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and creates the schema if needed.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	pcfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// AddChannel inserts a roster entry or updates its name and priority.
func (s *Store) AddChannel(ctx context.Context, ch domain.ChannelState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channels (channel_id, name, priority, needs_backfill)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (channel_id) DO UPDATE SET name = EXCLUDED.name, priority = EXCLUDED.priority`,
		ch.ID, ch.Name, ch.Priority, ch.NeedsBackfill,
	)
	return err
}

// ChannelList returns the roster.
func (s *Store) ChannelList(ctx context.Context) ([]domain.ChannelState, error) {
	rows, err := s.pool.Query(ctx,
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
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Priority, &ch.NeedsBackfill,
			&ch.Cursor.OldestSeen, &ch.Cursor.NewestSeen); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// RecordExists reports whether a record with id is stored.
func (s *Store) RecordExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM videos WHERE video_id = $1)`, id,
	).Scan(&exists)
	return exists, err
}

// UpsertRecord stores rec and reports whether it was newly inserted.
func (s *Store) UpsertRecord(ctx context.Context, rec domain.ResolvedRecord) (bool, error) {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}

	// xmax is zero only for a row version created by this INSERT.
	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO videos (video_id, channel_id, title, description, url, published_at,
		     views, likes, comments, duration, duration_seconds, tags, is_short, format)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (video_id) DO UPDATE SET
		     title = EXCLUDED.title,
		     description = EXCLUDED.description,
		     views = EXCLUDED.views,
		     likes = EXCLUDED.likes,
		     comments = EXCLUDED.comments,
		     duration = EXCLUDED.duration,
		     duration_seconds = EXCLUDED.duration_seconds,
		     tags = EXCLUDED.tags,
		     is_short = COALESCE(EXCLUDED.is_short, videos.is_short),
		     format = COALESCE($15, videos.format),
		     updated_at = now()
		 RETURNING (xmax = 0)`,
		rec.ID, rec.ChannelID, rec.Title, rec.Description, rec.URL(), rec.PublishedAt.UTC(),
		rec.Views, rec.Likes, rec.Comments, rec.Duration, rec.DurationSeconds, tags,
		rec.IsShort(), rec.Format(), knownFormat(rec),
	).Scan(&inserted)
	return inserted, err
}

// UpdateCursor widens the channel cursor; a side only ever moves outward.
// LEAST and GREATEST ignore NULL, so a nil side leaves the column unchanged.
func (s *Store) UpdateCursor(ctx context.Context, channelID string, oldest, newest *time.Time) error {
	if oldest == nil && newest == nil {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE channels SET
		     oldest_seen = LEAST(oldest_seen, $2::timestamptz),
		     newest_seen = GREATEST(newest_seen, $3::timestamptz)
		 WHERE channel_id = $1`,
		channelID, utcPtr(oldest), utcPtr(newest),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return nil
}

// MarkBackfillComplete clears the channel's backfill flag.
func (s *Store) MarkBackfillComplete(ctx context.Context, channelID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE channels SET needs_backfill = FALSE, backfill_completed_at = now() WHERE channel_id = $1`,
		channelID,
	)
	return err
}

// RecordsByChannel returns the stored records of a channel, newest first.
func (s *Store) RecordsByChannel(ctx context.Context, channelID string) ([]domain.StoredRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT video_id, channel_id, title, published_at, views, likes, comments, is_short
		 FROM videos WHERE channel_id = $1 ORDER BY published_at DESC`, channelID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StoredRecord, error) {
		var r domain.StoredRecord
		err := row.Scan(&r.ID, &r.ChannelID, &r.Title, &r.PublishedAt, &r.Views, &r.Likes, &r.Comments, &r.IsShort)
		return r, err
	})
}

// UpdateCounters writes refreshed counters and classification of rec.
func (s *Store) UpdateCounters(ctx context.Context, rec domain.ResolvedRecord) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE videos SET views = $2, likes = $3, comments = $4,
		     is_short = COALESCE($5, is_short), format = COALESCE($6, format), updated_at = now()
		 WHERE video_id = $1`,
		rec.ID, rec.Views, rec.Likes, rec.Comments, rec.IsShort(), knownFormat(rec),
	)
	return err
}

// knownFormat is nil for an undetermined record so the stored format is kept.
func knownFormat(rec domain.ResolvedRecord) *string {
	if rec.IsShort() == nil {
		return nil
	}
	f := rec.Format()
	return &f
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
