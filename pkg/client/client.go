// Package client provides the rate-limited retry client that wraps every
// remote content API call with an inter-call delay, exponential backoff for
// transient faults and credential rotation on quota exhaustion.
package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/credentials"
	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for remote API calls.
var (
	apiCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_api_calls_total",
		Help: "Total remote API calls by kind and status",
	}, []string{"kind", "status"})

	apiCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_api_call_duration_seconds",
		Help:    "Remote API call duration in seconds by kind",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"kind"})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_api_errors_total",
		Help: "Total remote API errors by class",
	}, []string{"class"})

	credentialRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_credential_rotations_total",
		Help: "Total number of credential rotations after quota errors",
	})
)

// Kind tags a call for quota accounting.
type Kind string

const (
	KindChannelsList  Kind = "channels_list"
	KindPlaylistItems Kind = "playlist_items"
	KindVideosList    Kind = "videos_list"
)

// TransportFactory builds a remote API transport bound to one credential.
type TransportFactory func(ctx context.Context, cred credentials.Credential) (domain.RemoteAPI, error)

// UsageRecorder receives one event per successful call. Implementations
// must be safe for concurrent use.
type UsageRecorder interface {
	RecordCall(ctx context.Context, credential string, kind Kind) error
}

// Config holds the client configuration.
type Config struct {
	Retry RetryConfig

	// CallDelay is the flat pause after every successful call.
	CallDelay time.Duration

	// Usage optionally mirrors usage into a shared ledger.
	Usage UsageRecorder
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Retry:     DefaultRetryConfig(),
		CallDelay: 500 * time.Millisecond,
	}
}

// Client executes remote calls against the shared credential pool.
//
// A Client owns its transport and is meant to be scoped to one work unit;
// it is not safe for concurrent use. The pool it draws from is shared.
type Client struct {
	pool      *credentials.Pool
	factory   TransportFactory
	config    Config
	transport domain.RemoteAPI
	credKey   string
	logger    zerolog.Logger
}

// New creates a new client.
func New(pool *credentials.Pool, factory TransportFactory, cfg Config) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("credential pool is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}

	return &Client{
		pool:    pool,
		factory: factory,
		config:  cfg,
		logger:  log.With().Str("component", "retry-client").Logger(),
	}, nil
}

// Execute runs call with the active credential's transport and applies the
// retry state machine to its result:
//
//   - success: record usage, wait CallDelay, return nil
//   - quota: mark the credential exhausted and retry at once with the next
//     available one; fail with ErrQuotaExhausted when none is left
//   - transient: back off exponentially up to MaxAttempts, then fail with
//     ErrRetryExhausted
//   - anything else: return the error unchanged
func (c *Client) Execute(ctx context.Context, kind Kind, call func(ctx context.Context, api domain.RemoteAPI) error) error {
	attempt := 1

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		cred, ok := c.pool.NextAvailable()
		if !ok {
			apiCallsTotal.WithLabelValues(string(kind), "quota_exhausted").Inc()
			c.logger.Error().Str("kind", string(kind)).Msg("All credentials exhausted")
			return fmt.Errorf("%w: %w", ErrQuotaExhausted, credentials.ErrNoCredentialAvailable)
		}

		api, err := c.transportFor(ctx, cred)
		if err != nil {
			return err
		}

		start := time.Now()
		err = call(ctx, api)
		apiCallDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

		if err == nil {
			apiCallsTotal.WithLabelValues(string(kind), "ok").Inc()
			c.recordUsage(ctx, cred, kind)
			if attempt > 1 {
				c.logger.Info().
					Str("kind", string(kind)).
					Int("attempt", attempt).
					Msg("Call succeeded after retry")
			}
			// The call already succeeded; a cancelled delay is not an error.
			_ = sleep(ctx, c.config.CallDelay)
			return nil
		}

		class := Classify(err)
		apiErrorsTotal.WithLabelValues(string(class)).Inc()
		apiCallsTotal.WithLabelValues(string(kind), statusLabel(err, class)).Inc()

		switch outcomeFor(class) {
		case outcomeRotate:
			c.pool.MarkExhausted(cred.Key)
			credentialRotationsTotal.Inc()
			c.logger.Warn().
				Str("kind", string(kind)).
				Str("credential", cred.Fingerprint()).
				Err(err).
				Msg("Quota error, rotating credential")
			continue

		case outcomeRetry:
			rc := c.config.Retry.forClass(class)
			if attempt >= rc.MaxAttempts {
				retryExhaustedTotal.WithLabelValues(string(class)).Inc()
				c.logger.Warn().
					Str("kind", string(kind)).
					Str("error_class", string(class)).
					Int("max_attempts", rc.MaxAttempts).
					Msg("Retry attempts exhausted")
				return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, rc.MaxAttempts, err)
			}

			wait := rc.jittered(rc.backoff(attempt))
			retriesTotal.WithLabelValues(string(class)).Inc()
			retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())
			c.logger.Warn().
				Str("kind", string(kind)).
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(err).
				Msg("Transient error, retrying after backoff")

			if err := sleep(ctx, wait); err != nil {
				return err
			}
			attempt++

		default:
			c.logger.Debug().
				Str("kind", string(kind)).
				Str("error_class", string(class)).
				Err(err).
				Msg("Call failed without retry")
			return err
		}
	}
}

// transportFor returns the transport bound to cred, rebuilding it when the
// active credential changed since the last call.
func (c *Client) transportFor(ctx context.Context, cred credentials.Credential) (domain.RemoteAPI, error) {
	if c.transport != nil && c.credKey == cred.Key {
		return c.transport, nil
	}

	api, err := c.factory(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("build transport for credential %s: %w", cred.Fingerprint(), err)
	}
	if c.transport != nil {
		c.logger.Debug().Str("credential", cred.Fingerprint()).Msg("Transport rebuilt")
	}
	c.transport = api
	c.credKey = cred.Key
	return api, nil
}

func (c *Client) recordUsage(ctx context.Context, cred credentials.Credential, kind Kind) {
	c.pool.RecordUsage(cred.Key, 1)
	if c.config.Usage == nil {
		return
	}
	if err := c.config.Usage.RecordCall(ctx, cred.Fingerprint(), kind); err != nil {
		c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to record usage")
	}
}

func statusLabel(err error, class ErrorClass) string {
	if status := StatusCode(err); status > 0 {
		return strconv.Itoa(status)
	}
	return string(class)
}

// ListPage fetches one page of a collection listing.
func (c *Client) ListPage(ctx context.Context, collectionID, pageToken string) (*domain.Page, error) {
	var page *domain.Page
	err := c.Execute(ctx, KindPlaylistItems, func(ctx context.Context, api domain.RemoteAPI) error {
		p, err := api.ListPage(ctx, collectionID, pageToken)
		page = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Details fetches full details for a batch of item ids.
func (c *Client) Details(ctx context.Context, ids []string) ([]domain.Detail, error) {
	var details []domain.Detail
	err := c.Execute(ctx, KindVideosList, func(ctx context.Context, api domain.RemoteAPI) error {
		d, err := api.Details(ctx, ids)
		details = d
		return err
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// UploadsCollection resolves the uploads collection id of a channel.
func (c *Client) UploadsCollection(ctx context.Context, channelID string) (string, error) {
	var id string
	err := c.Execute(ctx, KindChannelsList, func(ctx context.Context, api domain.RemoteAPI) error {
		v, err := api.UploadsCollection(ctx, channelID)
		id = v
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
