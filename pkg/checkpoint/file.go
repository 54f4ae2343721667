package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FileStore keeps the checkpoint in a single JSON file.
type FileStore struct {
	path   string
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	day   *Day
	dirty bool
}

// NewFileStore opens the checkpoint at path. A file from another day, a
// missing file and an unreadable file all start an empty checkpoint.
func NewFileStore(path string) (*FileStore, error) {
	return newFileStore(path, time.Now)
}

func newFileStore(path string, now func() time.Time) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	s := &FileStore{
		path:   path,
		now:    now,
		logger: log.With().Str("component", "checkpoint").Str("path", path).Logger(),
	}
	s.day = s.load()
	return s, nil
}

func (s *FileStore) load() *Day {
	today := dateOf(s.now())

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newDay(today)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Cannot read checkpoint, starting empty")
		return newDay(today)
	}

	var d Day
	if err := json.Unmarshal(data, &d); err != nil {
		s.logger.Warn().Err(err).Msg("Corrupt checkpoint, starting empty")
		return newDay(today)
	}
	if d.Date != today {
		s.logger.Info().Str("stale_date", d.Date).Msg("Checkpoint from another day discarded")
		return newDay(today)
	}
	if d.Done == nil {
		d.Done = make(map[string]domain.WorkResult)
	}
	if d.Failed == nil {
		d.Failed = make(map[string]Failure)
	}
	return &d
}

// current returns today's checkpoint, replacing a stale one. Callers hold mu.
func (s *FileStore) current() *Day {
	if today := dateOf(s.now()); s.day.Date != today {
		s.logger.Info().Str("date", today).Msg("Date rolled over, new checkpoint")
		s.day = newDay(today)
		s.dirty = true
	}
	return s.day
}

// IsDone reports whether unitID succeeded today.
func (s *FileStore) IsDone(_ context.Context, unitID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.current().Done[unitID]
	return ok, nil
}

// MarkDone records a successful unit.
func (s *FileStore) MarkDone(_ context.Context, res domain.WorkResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current().markDone(res)
	s.dirty = true
	return nil
}

// MarkFailed records a failed unit. A unit already done today stays done.
func (s *FileStore) MarkFailed(_ context.Context, res domain.WorkResult, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current().markFailed(res, reason)
	s.dirty = true
	return nil
}

// Flush writes pending marks to disk.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	day := s.current()
	day.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(day, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}
	s.dirty = false

	s.logger.Debug().
		Int("done", len(day.Done)).
		Int("failed", len(day.Failed)).
		Msg("Checkpoint flushed")
	return nil
}

// Snapshot returns a copy of today's checkpoint.
func (s *FileStore) Snapshot(_ context.Context) (Day, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current().clone(), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
