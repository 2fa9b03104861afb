// Package hierarchy owns the cached hierarchical category tree: a flat
// map keyed by category id, populated by a paginated crawl of the
// category search endpoint, persisted with a time-based staleness
// policy, and refreshed by a background prefetch scheduler.
package hierarchy

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/forumtools/discourse-mergefeed/pkg/client"
	"github.com/forumtools/discourse-mergefeed/pkg/discourse"
	"github.com/forumtools/discourse-mergefeed/pkg/logging"
	"github.com/forumtools/discourse-mergefeed/pkg/settings"
	"github.com/forumtools/discourse-mergefeed/pkg/store"
)

const (
	// crawlBatchSize is the number of search pages requested
	// concurrently per batch.
	crawlBatchSize = 4

	// prefetchDelay is the pause before the opportunistic background
	// refresh after startup.
	prefetchDelay = 3 * time.Second

	searchPath = "/categories/hierarchical_search?term="
)

var (
	crawlsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergefeed_hierarchy_crawls_total",
		Help: "Total hierarchical category crawls by outcome",
	}, []string{"outcome"})

	crawlPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergefeed_hierarchy_crawl_pages_total",
		Help: "Total hierarchical category search pages fetched",
	})

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mergefeed_hierarchy_cache_hits_total",
		Help: "Total category metadata reads served from cache",
	})
)

// CSRFTokenSource supplies the X-CSRF-Token header value when one is
// available. Implementations return "" when no token exists.
type CSRFTokenSource interface {
	CSRFToken(ctx context.Context) string
}

// NoToken is a CSRFTokenSource without a token.
type NoToken struct{}

// CSRFToken returns "".
func (NoToken) CSRFToken(context.Context) string { return "" }

// persistedCache is the storage shape of the category metadata cache.
type persistedCache struct {
	UpdatedAt  int64                    `json:"updatedAt"`
	Categories []discourse.CategoryInfo `json:"categories"`
}

// Snapshot is a read-only view of the cached category tree.
type Snapshot struct {
	Categories map[int64]discourse.CategoryInfo
	UpdatedAt  time.Time
}

// HasCache reports whether the snapshot holds any cached data.
func (s Snapshot) HasCache() bool {
	return s.Categories != nil
}

// Stale reports whether the snapshot predates the refresh boundary.
func (s Snapshot) Stale(now time.Time) bool {
	return !s.HasCache() || IsStale(s.UpdatedAt, now)
}

// HasAll reports whether every id is present in the snapshot.
func (s Snapshot) HasAll(ids []int64) bool {
	if len(ids) == 0 {
		return true
	}
	if s.Categories == nil {
		return false
	}
	for _, id := range ids {
		if _, ok := s.Categories[id]; !ok {
			return false
		}
	}
	return true
}

// FetchOptions steer one FetchAll call.
type FetchOptions struct {
	// ForceRefresh crawls even when the cache looks fresh.
	ForceRefresh bool

	// MissingCategoryIDs are ids a merge could not resolve; any id
	// absent from the cache forces a crawl.
	MissingCategoryIDs []int64
}

// inflight is a pending crawl whose result is shared by every caller
// that arrives before it finishes.
type inflight struct {
	done   chan struct{}
	result map[int64]discourse.CategoryInfo
	err    error
}

// Service is the category metadata cache. At most one crawl is in
// flight process-wide; concurrent callers share its result.
type Service struct {
	baseURL    string
	httpClient *http.Client
	fetcher    *client.Fetcher
	store      store.Store
	csrf       CSRFTokenSource
	settings   settings.Provider
	logger     zerolog.Logger

	mu        sync.Mutex
	loaded    bool
	cached    map[int64]discourse.CategoryInfo
	updatedAt time.Time
	pending   *inflight

	prefetchOnce sync.Once
}

// Config wires a hierarchy Service.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Fetcher    *client.Fetcher
	Store      store.Store
	CSRF       CSRFTokenSource
	Settings   settings.Provider
}

// NewService creates the category metadata cache service.
func NewService(cfg Config) *Service {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = client.New()
	}
	csrf := cfg.CSRF
	if csrf == nil {
		csrf = NoToken{}
	}
	return &Service{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		fetcher:    fetcher,
		store:      cfg.Store,
		csrf:       csrf,
		settings:   cfg.Settings,
		logger:     logging.NewLogger("hierarchy"),
	}
}

// Load returns the current cache snapshot without fetching: the
// in-memory copy when this session already loaded it, else the
// persisted copy. Corrupt persisted payloads count as a miss.
func (s *Service) Load(ctx context.Context) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Service) loadLocked(ctx context.Context) Snapshot {
	if s.loaded {
		if s.cached != nil {
			cacheHitsTotal.Inc()
		}
		return Snapshot{Categories: s.cached, UpdatedAt: s.updatedAt}
	}
	s.loaded = true

	data, err := s.store.Get(ctx, store.KeyCategoryMetadata)
	if err != nil {
		if err != store.ErrNotFound {
			s.logger.Warn().Err(err).Msg("Failed to read category metadata cache")
		}
		return Snapshot{}
	}

	var stored persistedCache
	if err := json.Unmarshal(data, &stored); err != nil || stored.Categories == nil || stored.UpdatedAt <= 0 {
		s.logger.Warn().Msg("Corrupt category metadata cache, treating as miss")
		return Snapshot{}
	}

	s.cached = discourse.BuildCategoryMap(stored.Categories)
	s.updatedAt = time.UnixMilli(stored.UpdatedAt)
	return Snapshot{Categories: s.cached, UpdatedAt: s.updatedAt}
}

// persist stores the crawled map and promotes it to the session cache.
func (s *Service) persist(ctx context.Context, categories map[int64]discourse.CategoryInfo, now time.Time) {
	list := make([]discourse.CategoryInfo, 0, len(categories))
	for _, c := range categories {
		list = append(list, c)
	}
	data, err := json.Marshal(persistedCache{UpdatedAt: now.UnixMilli(), Categories: list})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal category metadata cache")
		return
	}
	if err := s.store.Set(ctx, store.KeyCategoryMetadata, data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist category metadata cache")
	}

	s.mu.Lock()
	s.loaded = true
	s.cached = categories
	s.updatedAt = now
	s.mu.Unlock()
}

// FetchAll returns the full category map, crawling the search endpoint
// when the cache is absent, stale, forced, or missing requested ids.
// Concurrent callers share a single in-flight crawl. On a
// non-cancellation crawl failure the previous cached map (or an empty
// map) is returned instead of an error; cancellation propagates.
func (s *Service) FetchAll(ctx context.Context, opts FetchOptions) (map[int64]discourse.CategoryInfo, error) {
	s.mu.Lock()
	snapshot := s.loadLocked(ctx)
	needsFetch := opts.ForceRefresh ||
		!snapshot.HasCache() ||
		snapshot.Stale(time.Now()) ||
		!snapshot.HasAll(opts.MissingCategoryIDs)

	if !needsFetch {
		s.mu.Unlock()
		return snapshot.Categories, nil
	}

	if s.pending != nil {
		fl := s.pending
		s.mu.Unlock()
		return s.await(ctx, fl, snapshot)
	}

	fl := &inflight{done: make(chan struct{})}
	s.pending = fl
	s.mu.Unlock()

	result, err := s.crawl(ctx)
	if err == nil && len(result) == 0 {
		// Empty crawl result: keep whatever we had.
		if snapshot.Categories != nil {
			result = snapshot.Categories
		}
	} else if err == nil {
		s.persist(ctx, result, time.Now())
	}

	fl.result, fl.err = result, err
	close(fl.done)

	s.mu.Lock()
	if s.pending == fl {
		s.pending = nil
	}
	s.mu.Unlock()

	return s.resolve(fl, snapshot)
}

// await blocks on another caller's crawl. The waiting caller's own
// cancellation wins over the shared result.
func (s *Service) await(ctx context.Context, fl *inflight, snapshot Snapshot) (map[int64]discourse.CategoryInfo, error) {
	select {
	case <-ctx.Done():
		return nil, client.ErrAborted
	case <-fl.done:
		return s.resolve(fl, snapshot)
	}
}

// resolve applies the failure policy to a finished crawl: cancellation
// propagates, anything else degrades to the previous cached map.
func (s *Service) resolve(fl *inflight, snapshot Snapshot) (map[int64]discourse.CategoryInfo, error) {
	if fl.err != nil {
		if client.IsAborted(fl.err) {
			return nil, fl.err
		}
		s.logger.Warn().Err(fl.err).Msg("Hierarchical category crawl failed")
		if snapshot.Categories != nil {
			return snapshot.Categories, nil
		}
		return map[int64]discourse.CategoryInfo{}, nil
	}
	return fl.result, nil
}

// crawl pages through the search endpoint in concurrent batches. A page
// returning zero categories ends the crawl after its batch completes.
func (s *Service) crawl(ctx context.Context) (map[int64]discourse.CategoryInfo, error) {
	start := time.Now()
	maxRetries := s.settings.Settings(ctx).MaxRetryAttempts
	categories := make(map[int64]discourse.CategoryInfo)

	page := 1
	for {
		if ctx.Err() != nil {
			crawlsTotal.WithLabelValues("aborted").Inc()
			return nil, client.ErrAborted
		}

		batch, err := s.fetchBatch(ctx, page, maxRetries)
		if err != nil {
			crawlsTotal.WithLabelValues("aborted").Inc()
			return nil, err
		}

		stop := false
		for _, list := range batch {
			if len(list) == 0 {
				stop = true
				continue
			}
			for _, c := range list {
				categories[c.ID] = c
			}
		}
		if stop {
			break
		}
		page += crawlBatchSize
	}

	crawlsTotal.WithLabelValues("success").Inc()
	s.logger.Debug().
		Int("categories", len(categories)).
		Dur("duration", time.Since(start)).
		Msg("Hierarchical category crawl complete")
	return categories, nil
}

// fetchBatch requests crawlBatchSize consecutive pages concurrently.
// Results come back in page order so the stop decision is stable.
func (s *Service) fetchBatch(ctx context.Context, firstPage, maxRetries int) ([][]discourse.CategoryInfo, error) {
	results := make([][]discourse.CategoryInfo, crawlBatchSize)
	errs := make([]error, crawlBatchSize)

	var wg sync.WaitGroup
	for i := 0; i < crawlBatchSize; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot], errs[slot] = s.fetchPage(ctx, firstPage+slot, maxRetries)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// fetchPage fetches one search page. Exhausted retries yield an empty
// list (soft failure); only cancellation is returned as an error.
func (s *Service) fetchPage(ctx context.Context, page, maxRetries int) ([]discourse.CategoryInfo, error) {
	url := s.baseURL + searchPath + "&page=" + strconv.Itoa(page)

	resp, err := s.fetcher.Execute(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
		if token := s.csrf.CSRFToken(ctx); token != "" {
			req.Header.Set("X-CSRF-Token", token)
		}
		return s.httpClient.Do(req)
	}, client.Options{MaxRetryAttempts: maxRetries})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		s.logger.Warn().Int("page", page).Msg("Failed to fetch hierarchical category page")
		return nil, nil
	}
	defer resp.Body.Close()
	crawlPagesTotal.Inc()

	var payload discourse.HierarchicalSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		s.logger.Warn().Err(err).Int("page", page).Msg("Failed to decode hierarchical category page")
		return nil, nil
	}
	return payload.Categories, nil
}

// SchedulePrefetch arms a one-shot background refresh: after a short
// startup delay, re-check staleness and crawl if the cache is still
// stale. Armed at most once per process; non-cancellation errors are
// swallowed.
func (s *Service) SchedulePrefetch(ctx context.Context) {
	s.prefetchOnce.Do(func() {
		if !s.Load(ctx).Stale(time.Now()) {
			return
		}
		timer := time.AfterFunc(prefetchDelay, func() {
			if ctx.Err() != nil {
				return
			}
			if !s.Load(ctx).Stale(time.Now()) {
				return
			}
			if _, err := s.FetchAll(ctx, FetchOptions{ForceRefresh: true}); err != nil && !client.IsAborted(err) {
				s.logger.Warn().Err(err).Msg("Category metadata prefetch failed")
			}
		})
		go func() {
			<-ctx.Done()
			timer.Stop()
		}()
	})
}

// StartDailyRefresh schedules a forced refresh at the daily boundary
// (04:00 UTC-8) for long-running deployments. The returned cron is
// already started; the caller stops it on shutdown.
func (s *Service) StartDailyRefresh(ctx context.Context) *cron.Cron {
	c := cron.New(cron.WithLocation(refreshZone))
	_, err := c.AddFunc("0 4 * * *", func() {
		if _, err := s.FetchAll(ctx, FetchOptions{ForceRefresh: true}); err != nil && !client.IsAborted(err) {
			s.logger.Warn().Err(err).Msg("Scheduled category metadata refresh failed")
		}
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to schedule daily category refresh")
	}
	c.Start()
	return c
}
