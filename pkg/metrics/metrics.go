// Package metrics provides the Prometheus registry used by the harvester and
// the metrics shared by more than one package. Package-local metrics are
// defined next to the code that records them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// CrossOwnerDropped counts items dropped because another channel owns them.
// The stage label is "listing" for the pagination engine and "details" for
// the batch resolver.
var CrossOwnerDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_cross_owner_dropped_total",
	Help: "Items dropped because their owner differs from the requested channel",
}, []string{"stage"})

// Metrics Documentation
//
// Remote API Metrics (pkg/client):
//   - harvest_api_calls_total{kind, status} (Counter): Calls by kind (channels_list, playlist_items, videos_list) and status
//   - harvest_api_call_duration_seconds{kind} (Histogram): Call duration by kind
//   - harvest_api_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, quota, cancelled)
//   - harvest_credential_rotations_total (Counter): Rotations after quota errors
//
// Retry Metrics (pkg/client):
//   - harvest_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvest_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - harvest_retry_exhausted_total{error_class} (Counter): Calls that hit the attempt ceiling
//
// Credential Metrics (pkg/credentials):
//   - harvest_credentials_available (Gauge): Credentials not exhausted in the current period
//
// Traversal Metrics (pkg/pagination, pkg/resolver):
//   - harvest_pages_fetched_total{mode} (Counter): Listing pages by traversal mode
//   - harvest_cross_owner_dropped_total{stage} (Counter): Items dropped by owner check
//   - harvest_detail_batches_total{outcome} (Counter): Detail batches by outcome
//
// Orchestration Metrics (pkg/orchestrator):
//   - harvest_units_total{state} (Counter): Work units by final state
//   - harvest_items_total{outcome} (Counter): Items by outcome (new, existing, updated, unchanged, error)
//   - harvest_unit_duration_seconds (Histogram): Work unit duration
//
// Cache Metrics (pkg/cache):
//   - harvest_cache_hits_total (Counter): Uploads collection cache hits
//   - harvest_cache_misses_total (Counter): Uploads collection cache misses
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Quota Ledger Metrics (pkg/ratelimit):
//   - harvest_quota_used (Gauge): Units used today across all credentials
//   - harvest_quota_warnings_total (Counter): Calls recorded below the warning threshold
//
// Example Prometheus Queries:
//
//   # Daily quota headroom
//   10000 - harvest_quota_used
//
//   # Rotation rate
//   rate(harvest_credential_rotations_total[1h])
//
//   # Failed or timed out units per pass
//   sum by (state) (increase(harvest_units_total{state=~"FAILED|TIMED_OUT"}[1d]))
//
//   # P95 call latency
//   histogram_quantile(0.95, rate(harvest_api_call_duration_seconds_bucket[5m]))
