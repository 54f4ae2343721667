// Package resolver turns item stubs into fully detailed records by querying
// the remote detail endpoint in bounded batches.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/client"
	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/Sternrassler/yt-harvester/pkg/logging"
	"github.com/Sternrassler/yt-harvester/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var detailBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_detail_batches_total",
	Help: "Detail batches by outcome",
}, []string{"outcome"})

// MaxBatchSize is the largest id list the detail endpoint accepts.
const MaxBatchSize = 50

// Config controls batching and classification.
type Config struct {
	BatchSize   int
	ShortCutoff time.Duration
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:   MaxBatchSize,
		ShortCutoff: DefaultShortCutoff,
	}
}

// Resolution is the outcome of resolving one channel's stubs.
type Resolution struct {
	Records []domain.ResolvedRecord

	// Dropped counts items the detail endpoint attributes to another channel.
	Dropped int

	// Missing counts stubs the detail endpoint did not return.
	Missing int

	// Failed counts stubs whose batch failed after retries.
	Failed int
}

// Resolver resolves stubs through a DetailSource.
type Resolver struct {
	source domain.DetailSource
	config Config
	logger zerolog.Logger
}

// New creates a resolver. Out-of-range settings fall back to defaults.
func New(source domain.DetailSource, config Config) *Resolver {
	if config.BatchSize <= 0 || config.BatchSize > MaxBatchSize {
		config.BatchSize = MaxBatchSize
	}
	if config.ShortCutoff <= 0 {
		config.ShortCutoff = DefaultShortCutoff
	}
	return &Resolver{
		source: source,
		config: config,
		logger: logging.NewLogger("resolver"),
	}
}

// Resolve fetches details for stubs and returns the records owned by channelID.
//
// A failed batch is counted and skipped. Quota exhaustion and cancellation
// abort the whole call and are returned together with the records resolved
// so far.
func (r *Resolver) Resolve(ctx context.Context, stubs []domain.RawItemStub, channelID string) (*Resolution, error) {
	res := &Resolution{}
	logger := r.logger.With().Str("channel_id", channelID).Logger()

	for start := 0; start < len(stubs); start += r.config.BatchSize {
		end := min(start+r.config.BatchSize, len(stubs))
		chunk := stubs[start:end]

		ids := make([]string, len(chunk))
		for i, s := range chunk {
			ids[i] = s.ID
		}

		details, err := r.source.Details(ctx, ids)
		if err != nil {
			if isFatal(err) {
				detailBatchesTotal.WithLabelValues("aborted").Inc()
				return res, fmt.Errorf("resolve batch at %d: %w", start, err)
			}
			detailBatchesTotal.WithLabelValues("failed").Inc()
			res.Failed += len(chunk)
			logger.Warn().
				Err(err).
				Int("items", len(chunk)).
				Str("error_class", string(client.Classify(err))).
				Msg("Detail batch failed")
			continue
		}
		detailBatchesTotal.WithLabelValues("ok").Inc()

		byID := make(map[string]domain.Detail, len(details))
		for _, d := range details {
			byID[d.ID] = d
		}

		for _, stub := range chunk {
			d, ok := byID[stub.ID]
			if !ok {
				res.Missing++
				logger.Debug().Str("item_id", stub.ID).Msg("Item not returned by detail endpoint")
				continue
			}
			if d.OwnerID != "" && d.OwnerID != channelID {
				res.Dropped++
				metrics.CrossOwnerDropped.WithLabelValues("details").Inc()
				logger.Warn().
					Str("item_id", d.ID).
					Str("owner_id", d.OwnerID).
					Msg("Dropping detail owned by another channel")
				continue
			}
			res.Records = append(res.Records, r.record(stub, d, channelID))
		}
	}

	logger.Debug().
		Int("records", len(res.Records)).
		Int("dropped", res.Dropped).
		Int("missing", res.Missing).
		Int("failed", res.Failed).
		Msg("Resolve complete")

	return res, nil
}

func (r *Resolver) record(stub domain.RawItemStub, d domain.Detail, channelID string) domain.ResolvedRecord {
	title := d.Title
	if title == "" {
		title = stub.Title
	}
	published := d.PublishedAt
	if published.IsZero() {
		published = stub.PublishedAt
	}
	secs := ParseDuration(d.Duration)

	return domain.ResolvedRecord{
		ID:              d.ID,
		ChannelID:       channelID,
		Title:           title,
		Description:     d.Description,
		PublishedAt:     published,
		Views:           d.Views,
		Likes:           d.Likes,
		Comments:        d.Comments,
		Duration:        d.Duration,
		DurationSeconds: secs,
		Tags:            d.Tags,
		Classification:  Classify(secs, stub.KnownShort, d.EmbedWidth, d.EmbedHeight, r.config.ShortCutoff),
	}
}

func isFatal(err error) bool {
	if errors.Is(err, client.ErrQuotaExhausted) {
		return true
	}
	return client.Classify(err) == client.ErrorClassCancelled
}
