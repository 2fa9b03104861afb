// Package client provides the retryable HTTP fetch primitive shared by
// every upstream call: bounded or unlimited retry, exponential backoff,
// Retry-After-aware delays, and cooperative cancellation.
package client

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/forumtools/discourse-mergefeed/pkg/logging"
)

// RetryBaseDelay is the base of the exponential backoff schedule.
const RetryBaseDelay = 600 * time.Millisecond

// Prometheus metrics for fetch operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergefeed_fetch_requests_total",
		Help: "Total upstream fetch attempts by outcome",
	}, []string{"outcome"})

	fetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergefeed_fetch_retries_total",
		Help: "Total number of fetch retry attempts",
	})

	fetchRetryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mergefeed_fetch_retry_backoff_seconds",
		Help:    "Backoff duration before fetch retries",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	fetchRetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergefeed_fetch_retry_exhausted_total",
		Help: "Total number of fetches that exhausted their retry budget",
	})
)

// AttemptFunc performs one HTTP attempt. The implementation must honor
// ctx; the fetcher never retries an attempt that failed with a
// cancellation.
type AttemptFunc func(ctx context.Context) (*http.Response, error)

// Options configure one Execute call.
type Options struct {
	// MaxRetryAttempts is the number of retries after the initial
	// attempt. settings.UnlimitedRetries removes the bound.
	MaxRetryAttempts int
}

// Fetcher executes HTTP attempts with retry and backoff. A zero
// baseDelay falls back to RetryBaseDelay.
type Fetcher struct {
	baseDelay time.Duration
	logger    zerolog.Logger
}

// New creates a Fetcher with the default backoff schedule.
func New() *Fetcher {
	return &Fetcher{
		baseDelay: RetryBaseDelay,
		logger:    logging.NewLogger("fetcher"),
	}
}

// NewWithBaseDelay creates a Fetcher with a custom backoff base. Used
// by tests to keep backoff waits short.
func NewWithBaseDelay(baseDelay time.Duration) *Fetcher {
	f := New()
	if baseDelay > 0 {
		f.baseDelay = baseDelay
	}
	return f
}

// retryableStatus reports whether an HTTP status is worth retrying.
// 429 is upstream rate limiting; Discourse also answers 403 under load.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusForbidden
}

// canRetry reports whether another retry fits in the budget. Attempt
// numbering starts at 0, so a budget of N allows N+1 attempts total.
func canRetry(attempt, maxRetryAttempts int) bool {
	return maxRetryAttempts < 0 || attempt < maxRetryAttempts
}

// parseRetryAfter converts a Retry-After header (in seconds) to a
// delay. Returns 0 when the header is absent or not a positive number.
func parseRetryAfter(headerValue string) time.Duration {
	if headerValue == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(headerValue, 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// backoffFor computes the exponential backoff for the given attempt.
func (f *Fetcher) backoffFor(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	return f.baseDelay * time.Duration(1<<uint(attempt))
}

// wait sleeps for the given duration, interruptible by cancellation.
func (f *Fetcher) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return abortError(context.Cause(ctx))
	case <-timer.C:
		return nil
	}
}

// Execute runs attempt until it yields a successful response, the retry
// budget is exhausted, or ctx is cancelled.
//
// Outcomes:
//   - (resp, nil): a 2xx response. The caller owns the body.
//   - (nil, nil): soft failure. A non-retryable status, or a retryable
//     status or network error with no attempts left. Logged as a
//     warning; individual fetch failures must not abort a whole merge.
//   - (nil, err): cancellation only. err satisfies IsAborted.
func (f *Fetcher) Execute(ctx context.Context, attempt AttemptFunc, opts Options) (*http.Response, error) {
	attemptNum := 0
	for {
		if ctx.Err() != nil {
			return nil, abortError(context.Cause(ctx))
		}

		resp, err := attempt(ctx)
		if err != nil {
			if IsAborted(err) || ctx.Err() != nil {
				return nil, abortError(err)
			}
			if !canRetry(attemptNum, opts.MaxRetryAttempts) {
				fetchRequestsTotal.WithLabelValues("network_error").Inc()
				fetchRetryExhaustedTotal.Inc()
				f.logger.Warn().Err(err).Int("attempt", attemptNum).Msg("Fetch failed, retries exhausted")
				return nil, nil
			}
			backoff := f.backoffFor(attemptNum)
			attemptNum++
			if waitErr := f.retryWait(ctx, backoff, attemptNum, fmt.Sprintf("network error: %v", err)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			fetchRequestsTotal.WithLabelValues("success").Inc()
			if attemptNum > 0 {
				f.logger.Debug().Int("attempt", attemptNum).Msg("Fetch succeeded after retry")
			}
			return resp, nil
		}

		status := resp.StatusCode
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		closeBody(resp)

		if !retryableStatus(status) || !canRetry(attemptNum, opts.MaxRetryAttempts) {
			fetchRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
			if retryableStatus(status) {
				fetchRetryExhaustedTotal.Inc()
			}
			f.logger.Warn().Int("status_code", status).Int("attempt", attemptNum).Msg("Fetch failed")
			return nil, nil
		}

		backoff := retryAfter
		if backoff <= 0 {
			backoff = f.backoffFor(attemptNum)
		}
		attemptNum++
		if waitErr := f.retryWait(ctx, backoff, attemptNum, fmt.Sprintf("status %d", status)); waitErr != nil {
			return nil, waitErr
		}
	}
}

// retryWait records retry metrics and waits out the backoff.
func (f *Fetcher) retryWait(ctx context.Context, backoff time.Duration, nextAttempt int, reason string) error {
	fetchRetriesTotal.Inc()
	fetchRetryBackoffSeconds.Observe(backoff.Seconds())
	f.logger.Warn().
		Str("reason", reason).
		Int("attempt", nextAttempt).
		Dur("backoff", backoff).
		Msg("Retrying fetch after backoff")
	return f.wait(ctx, backoff)
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
