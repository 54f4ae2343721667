package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/Sternrassler/yt-harvester/pkg/logging"
	"github.com/Sternrassler/yt-harvester/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_pages_fetched_total",
	Help: "Total listing pages fetched by traversal mode",
}, []string{"mode"})

var (
	// ErrStopped is returned when the stop flag was raised mid-traversal.
	ErrStopped = errors.New("traversal stopped")

	// ErrUnsupportedMode is returned for modes that do not page a listing.
	ErrUnsupportedMode = errors.New("unsupported traversal mode")
)

// Config holds traversal limits.
type Config struct {
	// RetroactiveCap is the item cap of RETROACTIVE runs.
	RetroactiveCap int

	// IncrementalCap is the item cap of INCREMENTAL runs without a bound.
	IncrementalCap int

	// MaxPages bounds any traversal. Zero means unlimited.
	MaxPages int
}

// DefaultConfig returns the default traversal limits.
func DefaultConfig() Config {
	return Config{
		RetroactiveCap: 50,
		IncrementalCap: 50,
	}
}

// Result is the outcome of one traversal.
type Result struct {
	Stubs []domain.RawItemStub

	// Pages is the number of listing pages fetched.
	Pages int

	// Dropped counts items owned by another channel.
	Dropped int

	// Skipped counts items without a usable id or publish time.
	Skipped int

	// Exhausted is true when the last page of the collection was reached.
	Exhausted bool
}

// Engine walks a paged listing.
type Engine struct {
	source domain.PageSource
	config Config
	stop   func() bool
	now    func() time.Time
	logger zerolog.Logger
}

// NewEngine creates an engine reading pages from source. stop may be nil.
func NewEngine(source domain.PageSource, config Config, stop func() bool) *Engine {
	if stop == nil {
		stop = func() bool { return false }
	}
	return &Engine{
		source: source,
		config: config,
		stop:   stop,
		now:    time.Now,
		logger: logging.NewLogger("pagination"),
	}
}

// collector decides per item whether to keep it and whether to stop.
type collector func(published time.Time, collected int) (keep, done bool)

// Traverse runs one traversal according to req.Mode.
func (e *Engine) Traverse(ctx context.Context, req domain.TraversalRequest) (*Result, error) {
	collect, err := e.collectorFor(req)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With().
		Str("channel_id", req.ChannelID).
		Str("mode", string(req.Mode)).
		Logger()

	res := &Result{}
	token := ""

	for {
		if e.stop() {
			logger.Info().Int("pages", res.Pages).Msg("Traversal stopped")
			return nil, ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.config.MaxPages > 0 && res.Pages >= e.config.MaxPages {
			logger.Warn().Int("pages", res.Pages).Msg("Page limit reached")
			return res, nil
		}

		page, err := e.source.ListPage(ctx, req.CollectionID, token)
		if err != nil {
			return nil, fmt.Errorf("list page %d of %s: %w", res.Pages+1, req.CollectionID, err)
		}
		res.Pages++
		pagesFetchedTotal.WithLabelValues(string(req.Mode)).Inc()

		logger.Debug().
			Int("page", res.Pages).
			Int("items", len(page.Items)).
			Msg("Page fetched")

		for _, item := range page.Items {
			if item.ID == "" || item.PublishedAt.IsZero() {
				res.Skipped++
				continue
			}
			if item.OwnerID != "" && item.OwnerID != req.ChannelID {
				res.Dropped++
				metrics.CrossOwnerDropped.WithLabelValues("listing").Inc()
				logger.Warn().
					Str("item_id", item.ID).
					Str("owner_id", item.OwnerID).
					Msg("Dropping item owned by another channel")
				continue
			}

			keep, done := collect(item.PublishedAt, len(res.Stubs))
			if keep {
				res.Stubs = append(res.Stubs, domain.RawItemStub{
					ID:          item.ID,
					ChannelID:   req.ChannelID,
					Title:       item.Title,
					PublishedAt: item.PublishedAt,
				})
			}
			if done {
				return res, nil
			}
		}

		if page.NextToken == "" {
			res.Exhausted = true
			return res, nil
		}
		if page.NextToken == token {
			logger.Warn().Str("token", token).Msg("Listing returned the same page token twice")
			return res, nil
		}
		token = page.NextToken
	}
}

func (e *Engine) collectorFor(req domain.TraversalRequest) (collector, error) {
	switch req.Mode {
	case domain.ModeFull:
		bound := req.Bound
		capN := req.MaxItems
		return func(published time.Time, n int) (bool, bool) {
			if bound != nil && !published.Before(*bound) {
				return false, false
			}
			return true, capN > 0 && n+1 >= capN
		}, nil

	case domain.ModeRetroactive:
		bound := e.now()
		if req.Bound != nil {
			bound = *req.Bound
		}
		capN := req.MaxItems
		if capN <= 0 {
			capN = e.config.RetroactiveCap
		}
		return func(published time.Time, n int) (bool, bool) {
			if !published.Before(bound) {
				return false, false
			}
			return true, capN > 0 && n+1 >= capN
		}, nil

	case domain.ModeIncremental:
		since := req.Bound
		capN := 0
		if since == nil {
			capN = req.MaxItems
			if capN <= 0 {
				capN = e.config.IncrementalCap
			}
		}
		return func(published time.Time, n int) (bool, bool) {
			if since != nil && !published.After(*since) {
				return false, true
			}
			return true, capN > 0 && n+1 >= capN
		}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, req.Mode)
	}
}
