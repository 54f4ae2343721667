package orchestrator

import (
	"context"
	"fmt"

	"github.com/Sternrassler/yt-harvester/pkg/cache"
	"github.com/Sternrassler/yt-harvester/pkg/client"
	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/Sternrassler/yt-harvester/pkg/pagination"
	"github.com/Sternrassler/yt-harvester/pkg/resolver"
	"github.com/rs/zerolog"
)

// runUnit executes one unit. The unit owns its client and transport; both
// are dropped when it returns.
func (o *Orchestrator) runUnit(ctx context.Context, unit domain.WorkUnit, logger zerolog.Logger) (domain.WorkResult, error) {
	res := newResult(unit)

	cl, err := client.New(o.deps.Pool, o.deps.Transport, o.config.Client)
	if err != nil {
		return res, err
	}

	if unit.Mode == domain.ModeRefresh {
		err = o.refresh(ctx, cl, unit, &res, logger)
	} else {
		err = o.harvest(ctx, cl, unit, &res, logger)
	}
	return res, err
}

// harvest pages the channel's uploads, resolves unseen items and stores them.
func (o *Orchestrator) harvest(ctx context.Context, cl *client.Client, unit domain.WorkUnit, res *domain.WorkResult, logger zerolog.Logger) error {
	ch := unit.Channel

	uploads := cache.NewUploadsResolver(o.deps.Cache, cl, o.config.UploadsTTL)
	collectionID, err := uploads.UploadsCollection(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("resolve uploads collection: %w", err)
	}

	engine := pagination.NewEngine(cl, o.config.Pagination, o.Stopped)
	trav, err := engine.Traverse(ctx, request(unit, collectionID, o.config.Pagination))
	if err != nil {
		return err
	}
	res.Dropped += trav.Dropped

	// span covers every item of the window that is durable after this unit,
	// including items an earlier interrupted run stored without moving the
	// cursor.
	var span domain.Span
	pending := make([]domain.RawItemStub, 0, len(trav.Stubs))
	for _, stub := range trav.Stubs {
		if unit.Mode == domain.ModeFull {
			pending = append(pending, stub)
			continue
		}
		exists, err := o.deps.Storage.RecordExists(ctx, stub.ID)
		if err != nil {
			res.Errors++
			logger.Warn().Err(err).Str("item_id", stub.ID).Msg("Existence check failed")
			continue
		}
		if exists {
			res.Existing++
			span.Observe(stub.PublishedAt)
			continue
		}
		pending = append(pending, stub)
	}

	resolution, resolveErr := resolver.New(cl, o.config.Resolver).Resolve(ctx, pending, ch.ID)
	if resolution != nil {
		res.Dropped += resolution.Dropped
		res.Missing += resolution.Missing
		res.Errors += resolution.Failed
	}

	if resolution != nil {
		for _, rec := range resolution.Records {
			isNew, err := o.deps.Storage.UpsertRecord(ctx, rec)
			if err != nil {
				res.Errors++
				logger.Warn().Err(err).Str("item_id", rec.ID).Msg("Persisting record failed")
				continue
			}
			if isNew {
				res.New++
			} else {
				res.Updated++
			}
			span.Observe(rec.PublishedAt)
		}
	}
	if resolveErr != nil {
		return resolveErr
	}

	if res.Errors == 0 {
		if oldest, newest := ch.Cursor.Advance(span.Oldest, span.Newest); oldest != nil || newest != nil {
			if err := o.deps.Storage.UpdateCursor(ctx, ch.ID, oldest, newest); err != nil {
				res.Errors++
				logger.Warn().Err(err).Msg("Cursor update failed")
			} else {
				cur := ch.Cursor.Merge(span.Oldest, span.Newest)
				logger.Debug().
					Time("oldest_seen", *cur.OldestSeen).
					Time("newest_seen", *cur.NewestSeen).
					Msg("Cursor advanced")
			}
		}
	}

	if unit.Mode == domain.ModeRetroactive && len(trav.Stubs) == 0 {
		if marker, ok := o.deps.Storage.(domain.BackfillMarker); ok {
			if err := marker.MarkBackfillComplete(ctx, ch.ID); err != nil {
				logger.Warn().Err(err).Msg("Marking backfill complete failed")
			} else {
				logger.Info().Msg("Backfill complete")
			}
		}
	}

	logger.Debug().
		Int("pages", trav.Pages).
		Int("items", len(trav.Stubs)).
		Int("resolved", len(pending)).
		Msg("Harvest finished")
	return nil
}

// request builds the traversal request of a unit from the channel cursor.
func request(unit domain.WorkUnit, collectionID string, cfg pagination.Config) domain.TraversalRequest {
	req := domain.TraversalRequest{
		ChannelID:    unit.Channel.ID,
		CollectionID: collectionID,
		Mode:         unit.Mode,
	}
	switch unit.Mode {
	case domain.ModeRetroactive:
		req.Bound = unit.Channel.Cursor.OldestSeen
		req.MaxItems = cfg.RetroactiveCap
	case domain.ModeIncremental:
		req.Bound = unit.Channel.Cursor.NewestSeen
		req.MaxItems = cfg.IncrementalCap
	}
	return req
}

// refresh re-resolves the stored records of a channel and writes back
// counters that changed.
func (o *Orchestrator) refresh(ctx context.Context, cl *client.Client, unit domain.WorkUnit, res *domain.WorkResult, logger zerolog.Logger) error {
	store, ok := o.deps.Storage.(domain.RefreshStore)
	if !ok {
		return ErrRefreshUnsupported
	}

	stored, err := store.RecordsByChannel(ctx, unit.Channel.ID)
	if err != nil {
		return fmt.Errorf("load stored records: %w", err)
	}

	byID := make(map[string]domain.StoredRecord, len(stored))
	stubs := make([]domain.RawItemStub, 0, len(stored))
	for _, s := range stored {
		byID[s.ID] = s
		stubs = append(stubs, domain.RawItemStub{
			ID:          s.ID,
			ChannelID:   unit.Channel.ID,
			Title:       s.Title,
			PublishedAt: s.PublishedAt,
			KnownShort:  s.IsShort,
		})
	}

	resolution, resolveErr := resolver.New(cl, o.config.Resolver).Resolve(ctx, stubs, unit.Channel.ID)
	if resolution != nil {
		res.Dropped += resolution.Dropped
		res.Missing += resolution.Missing
		res.Errors += resolution.Failed

		for _, rec := range resolution.Records {
			prev := byID[rec.ID]
			if !prev.CountersDiffer(rec) && !shortChanged(prev.IsShort, rec.IsShort()) {
				res.Unchanged++
				continue
			}
			if err := store.UpdateCounters(ctx, rec); err != nil {
				res.Errors++
				logger.Warn().Err(err).Str("item_id", rec.ID).Msg("Updating counters failed")
				continue
			}
			res.Updated++
		}
	}

	logger.Debug().Int("items", len(stored)).Msg("Refresh finished")
	return resolveErr
}

func shortChanged(prev, next *bool) bool {
	if next == nil {
		return false
	}
	return prev == nil || *prev != *next
}
