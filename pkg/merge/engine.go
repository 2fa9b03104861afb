// Package merge implements the merged multi-category topic feed: a
// bounded worker-pool fan-out over category ids whose results are
// aggregated, reconciled against the cached category tree, deduplicated
// and time-ordered.
package merge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/forumtools/discourse-mergefeed/pkg/client"
	"github.com/forumtools/discourse-mergefeed/pkg/discourse"
	"github.com/forumtools/discourse-mergefeed/pkg/hierarchy"
	"github.com/forumtools/discourse-mergefeed/pkg/logging"
	"github.com/forumtools/discourse-mergefeed/pkg/progress"
	"github.com/forumtools/discourse-mergefeed/pkg/settings"
	"github.com/forumtools/discourse-mergefeed/pkg/topics"
)

var (
	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mergefeed_merges_total",
		Help: "Total merge operations by outcome",
	}, []string{"outcome"})

	mergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mergefeed_merge_duration_seconds",
		Help:    "Merge operation duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	mergeTopics = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mergefeed_merge_topics",
		Help:    "Number of topics in a merge result",
		Buckets: []float64{0, 10, 25, 50, 100, 250, 500},
	})
)

// PageOffsets maps category id to the next page index to request
// (0-based). Seeded empty on the first fetch and carried forward by
// the caller across load-more calls.
type PageOffsets map[int64]int

// Clone copies the offsets map. A nil receiver clones to an empty map.
func (p PageOffsets) Clone() PageOffsets {
	out := make(PageOffsets, len(p))
	for id, page := range p {
		out[id] = page
	}
	return out
}

// Result is the outcome of one merge.
type Result struct {
	Topics      []discourse.Topic
	Users       map[int64]discourse.User
	HasMore     bool
	PageOffsets PageOffsets
	Categories  map[int64]discourse.CategoryInfo
}

// Engine orchestrates the fan-out fetch and aggregation.
type Engine struct {
	topics    *topics.Fetcher
	hierarchy *hierarchy.Service
	settings  settings.Provider
	progress  progress.Reporter
	logger    zerolog.Logger
}

// Config wires a merge engine.
type Config struct {
	Topics    *topics.Fetcher
	Hierarchy *hierarchy.Service
	Settings  settings.Provider
	Progress  progress.Reporter
}

// NewEngine creates a merge engine.
func NewEngine(cfg Config) *Engine {
	reporter := cfg.Progress
	if reporter == nil {
		reporter = progress.Noop{}
	}
	return &Engine{
		topics:    cfg.Topics,
		hierarchy: cfg.Hierarchy,
		settings:  cfg.Settings,
		progress:  reporter,
		logger:    logging.NewLogger("merge"),
	}
}

// accumulator collects worker results. Workers run on separate
// goroutines, so all mutation goes through mu.
type accumulator struct {
	mu         sync.Mutex
	topics     []discourse.Topic
	users      map[int64]discourse.User
	categories map[int64]discourse.CategoryInfo
	hasMore    bool
	offsets    PageOffsets
}

func (a *accumulator) absorb(categoryID int64, page int, resp *discourse.CategoryResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, u := range resp.Users {
		a.users[u.ID] = u
	}
	a.topics = append(a.topics, resp.TopicList.Topics...)
	if resp.Category != nil {
		mergeCategoryInto(a.categories, *resp.Category)
	}
	if resp.CategoryList != nil {
		for _, c := range resp.CategoryList.Categories {
			mergeCategoryInto(a.categories, c)
		}
	}
	if resp.TopicList.MoreTopicsURL != "" {
		a.hasMore = true
		a.offsets[categoryID] = page + 1
	}
}

// mergeCategoryInto coalesces incoming over any existing entry: set
// fields of incoming win, the rest survive from the existing record.
// Used for live response data, where the newer record takes precedence.
func mergeCategoryInto(categories map[int64]discourse.CategoryInfo, incoming discourse.CategoryInfo) {
	if existing, ok := categories[incoming.ID]; ok {
		categories[incoming.ID] = discourse.CoalesceCategory(&existing, incoming)
	} else {
		categories[incoming.ID] = incoming
	}
}

// fillCategoryGaps folds cached or refetched metadata under the live
// map: the existing live entry keeps precedence and the cached record
// only contributes fields the live entry is missing.
func fillCategoryGaps(categories map[int64]discourse.CategoryInfo, cached discourse.CategoryInfo) {
	if existing, ok := categories[cached.ID]; ok {
		categories[cached.ID] = discourse.CoalesceCategory(&cached, existing)
	} else {
		categories[cached.ID] = cached
	}
}

// MergeTopics fetches one page per category concurrently and merges the
// results into a deduplicated feed ordered by bumped_at descending.
//
// Individual category failures are absorbed: the category contributes
// no topics this round and keeps its prior offset. Cancellation is the
// only error; it propagates so the caller can tell it from "no data".
func (e *Engine) MergeTopics(ctx context.Context, categoryIDs []int64, offsets PageOffsets) (*Result, error) {
	start := time.Now()
	snapshot := e.hierarchy.Load(ctx)
	cfg := e.settings.Settings(ctx)

	acc := &accumulator{
		users:      make(map[int64]discourse.User),
		categories: make(map[int64]discourse.CategoryInfo),
		offsets:    offsets.Clone(),
	}
	tracker := e.progress.Start(len(categoryIDs))

	if err := e.fanOut(ctx, categoryIDs, offsets, cfg, acc, tracker); err != nil {
		tracker.Finish(client.IsAborted(err))
		mergesTotal.WithLabelValues("aborted").Inc()
		return nil, err
	}
	tracker.Finish(false)

	// Cached metadata fills gaps only: the live entry stays the base of
	// the coalesce, so fresh fields always win.
	for _, cached := range snapshot.Categories {
		fillCategoryGaps(acc.categories, cached)
	}

	missing := missingCategoryIDs(acc.topics, acc.categories)
	needsRefresh := !snapshot.HasCache() || snapshot.Stale(time.Now())
	if needsRefresh || len(missing) > 0 {
		fetched, err := e.hierarchy.FetchAll(ctx, hierarchy.FetchOptions{
			ForceRefresh:       needsRefresh,
			MissingCategoryIDs: missing,
		})
		if err != nil {
			mergesTotal.WithLabelValues("aborted").Inc()
			return nil, err
		}
		for _, c := range fetched {
			fillCategoryGaps(acc.categories, c)
		}
	}

	result := &Result{
		Topics:      dedupeSorted(acc.topics),
		Users:       acc.users,
		HasMore:     acc.hasMore,
		PageOffsets: acc.offsets,
		Categories:  acc.categories,
	}

	mergesTotal.WithLabelValues("success").Inc()
	mergeDuration.Observe(time.Since(start).Seconds())
	mergeTopics.Observe(float64(len(result.Topics)))
	e.logger.Debug().
		Int("categories", len(categoryIDs)).
		Int("topics", len(result.Topics)).
		Bool("has_more", result.HasMore).
		Dur("duration", time.Since(start)).
		Msg("Merge complete")
	return result, nil
}

// fanOut runs min(concurrency, len(ids)) workers over a shared work
// queue. No worker idles while unclaimed categories remain. The first
// cancellation stops the pool and is returned.
func (e *Engine) fanOut(ctx context.Context, categoryIDs []int64, offsets PageOffsets, cfg settings.Settings, acc *accumulator, tracker progress.Tracker) error {
	if len(categoryIDs) == 0 {
		return nil
	}

	concurrency := cfg.Concurrency
	if concurrency > len(categoryIDs) {
		concurrency = len(categoryIDs)
	}
	requestDelay := time.Duration(cfg.RequestDelayMs) * time.Millisecond

	work := make(chan int64, len(categoryIDs))
	for _, id := range categoryIDs {
		work <- id
	}
	close(work)

	workerCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			stop()
		})
	}

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for categoryID := range work {
				if workerCtx.Err() != nil {
					return
				}
				page := offsets[categoryID]
				resp, err := e.topics.Fetch(workerCtx, categoryID, page, cfg.MaxRetryAttempts)
				if err != nil {
					fail(err)
					return
				}
				if resp != nil {
					acc.absorb(categoryID, page, resp)
					tracker.MarkSuccess()
				} else {
					tracker.MarkFailure()
				}
				// Deliberate throttle, applied per worker after each
				// item, not globally.
				if requestDelay > 0 {
					if err := sleep(workerCtx, requestDelay); err != nil {
						fail(err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	// The pool can also stop because the parent context fired between
	// loop iterations.
	if ctx.Err() != nil {
		return client.ErrAborted
	}
	return nil
}

// missingCategoryIDs returns ids referenced by a topic (or by such a
// category's parent) that are absent from the combined category map.
func missingCategoryIDs(allTopics []discourse.Topic, categories map[int64]discourse.CategoryInfo) []int64 {
	seen := make(map[int64]struct{})
	var missing []int64
	note := func(id int64) {
		if _, ok := categories[id]; ok {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}

	for _, t := range allTopics {
		note(t.CategoryID)
		if category, ok := categories[t.CategoryID]; ok && category.ParentCategoryID != nil {
			note(*category.ParentCategoryID)
		}
	}
	return missing
}

// dedupeSorted orders topics by bumped_at descending and drops
// duplicate ids, keeping the first (newest) occurrence.
func dedupeSorted(allTopics []discourse.Topic) []discourse.Topic {
	sorted := make([]discourse.Topic, len(allTopics))
	copy(sorted, allTopics)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].BumpedAt.After(sorted[j].BumpedAt)
	})

	seen := make(map[int64]struct{}, len(sorted))
	deduped := sorted[:0]
	for _, t := range sorted {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		deduped = append(deduped, t)
	}
	return deduped
}

// sleep waits for d, interruptible by cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return client.ErrAborted
	case <-timer.C:
		return nil
	}
}
