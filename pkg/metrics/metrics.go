// Package metrics provides the centralized Prometheus metrics registry
// for the merged feed client. All metrics are defined in their
// respective packages (client, merge, hierarchy, store) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registerer used by the feed
// client. All metrics are automatically registered via promauto in
// their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Fetch Metrics (pkg/client):
//   - mergefeed_fetch_requests_total{outcome} (Counter): Fetch attempts by outcome
//     (success, network_error, or terminal HTTP status)
//   - mergefeed_fetch_retries_total (Counter): Retry attempts
//   - mergefeed_fetch_retry_backoff_seconds (Histogram): Backoff waits before retries
//   - mergefeed_fetch_retry_exhausted_total (Counter): Fetches that ran out of retries
//
// Merge Metrics (pkg/merge):
//   - mergefeed_merges_total{outcome} (Counter): Merge operations (success, aborted)
//   - mergefeed_merge_duration_seconds (Histogram): End-to-end merge duration
//   - mergefeed_merge_topics (Histogram): Topics per merge result
//
// Hierarchy Metrics (pkg/hierarchy):
//   - mergefeed_hierarchy_crawls_total{outcome} (Counter): Category crawls (success, aborted)
//   - mergefeed_hierarchy_crawl_pages_total (Counter): Search pages fetched
//   - mergefeed_hierarchy_cache_hits_total (Counter): Metadata reads served from cache
//
// Store Metrics (pkg/store):
//   - mergefeed_store_hits_total (Counter): Key-value store hits
//   - mergefeed_store_misses_total (Counter): Key-value store misses
//   - mergefeed_store_errors_total{operation} (Counter): Store operation errors
//
// Example Prometheus Queries:
//
//   # Soft-failure rate of category fetches
//   1 - (rate(mergefeed_fetch_requests_total{outcome="success"}[5m]) /
//        sum(rate(mergefeed_fetch_requests_total[5m])))
//
//   # P95 merge latency
//   histogram_quantile(0.95, rate(mergefeed_merge_duration_seconds_bucket[5m]))
//
//   # Hierarchy crawl failure ratio
//   rate(mergefeed_hierarchy_crawls_total{outcome="aborted"}[1h])
