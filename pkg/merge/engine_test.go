package merge

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/forumtools/discourse-mergefeed/internal/testutil"
	"github.com/forumtools/discourse-mergefeed/pkg/client"
	"github.com/forumtools/discourse-mergefeed/pkg/discourse"
	"github.com/forumtools/discourse-mergefeed/pkg/hierarchy"
	"github.com/forumtools/discourse-mergefeed/pkg/paths"
	"github.com/forumtools/discourse-mergefeed/pkg/settings"
	"github.com/forumtools/discourse-mergefeed/pkg/store"
	"github.com/forumtools/discourse-mergefeed/pkg/topics"
)

var baseTime = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, mock *testutil.MockForum, kv store.Store) *Engine {
	t.Helper()
	retry := client.NewWithBaseDelay(time.Millisecond)
	provider := settings.NewStatic(settings.Settings{
		Concurrency:      4,
		RequestDelayMs:   0,
		MaxRetryAttempts: 3,
	})
	return NewEngine(Config{
		Topics: topics.NewFetcher(topics.Config{
			BaseURL:  mock.URL(),
			Retry:    retry,
			Resolver: paths.NewResolver(kv),
		}),
		Hierarchy: hierarchy.NewService(hierarchy.Config{
			BaseURL:  mock.URL(),
			Fetcher:  retry,
			Store:    kv,
			Settings: provider,
		}),
		Settings: provider,
	})
}

// seedHierarchy writes a fresh category metadata cache so merges do not
// trigger a crawl unless a test wants one.
func seedHierarchy(t *testing.T, kv store.Store, categories ...discourse.CategoryInfo) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"updatedAt":  time.Now().UnixMilli(),
		"categories": categories,
	})
	if err != nil {
		t.Fatalf("marshal hierarchy cache: %v", err)
	}
	if err := kv.Set(context.Background(), store.KeyCategoryMetadata, data); err != nil {
		t.Fatalf("seed hierarchy cache: %v", err)
	}
}

func TestMergeTopics_TwoCategories(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	// Category 5: three topics and a further page. Category 9: two
	// topics, first answering 429.
	mock.SetCategoryResponse(5, testutil.NewCategoryResponse(5, true,
		testutil.NewTopic(101, 5, baseTime.Add(-1*time.Hour)),
		testutil.NewTopic(102, 5, baseTime.Add(-3*time.Hour)),
		testutil.NewTopic(103, 5, baseTime.Add(-5*time.Hour)),
	))
	mock.SetHandler("/c/9.json", testutil.FlakyHandler(1, http.StatusTooManyRequests,
		testutil.JSONHandler(http.StatusOK, testutil.NewCategoryResponse(9, false,
			testutil.NewTopic(201, 9, baseTime),
			testutil.NewTopic(202, 9, baseTime.Add(-4*time.Hour)),
		))))

	kv := store.NewMemoryStore()
	seedHierarchy(t, kv,
		discourse.CategoryInfo{ID: 5, Name: "Category 5", Slug: "category-5"},
		discourse.CategoryInfo{ID: 9, Name: "Category 9", Slug: "category-9"},
	)

	engine := newTestEngine(t, mock, kv)
	result, err := engine.MergeTopics(context.Background(), []int64{5, 9}, nil)
	if err != nil {
		t.Fatalf("MergeTopics failed: %v", err)
	}

	if len(result.Topics) != 5 {
		t.Fatalf("Topics = %d, want 5", len(result.Topics))
	}
	expectedOrder := []int64{201, 101, 102, 202, 103}
	for i, topicID := range expectedOrder {
		if result.Topics[i].ID != topicID {
			t.Errorf("Topics[%d].ID = %d, want %d", i, result.Topics[i].ID, topicID)
		}
	}
	if !result.HasMore {
		t.Error("HasMore = false, want true (category 5 has a further page)")
	}
	if got := result.PageOffsets[5]; got != 1 {
		t.Errorf("PageOffsets[5] = %d, want 1", got)
	}
	if _, ok := result.PageOffsets[9]; ok {
		t.Error("Category 9 is exhausted and must not carry an offset")
	}
	if len(result.Users) != 5 {
		t.Errorf("Users = %d, want 5", len(result.Users))
	}
	if count := mock.PathCount("/c/9.json"); count != 2 {
		t.Errorf("Category 9 requests = %d, want 2 (one retry)", count)
	}
}

func TestMergeTopics_DeduplicatesAcrossCategories(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	// The same topic can surface in two merged categories (e.g. a
	// subcategory and its parent); it must appear once.
	shared := testutil.NewTopic(500, 5, baseTime)
	mock.SetCategoryResponse(5, testutil.NewCategoryResponse(5, false,
		shared,
		testutil.NewTopic(101, 5, baseTime.Add(-2*time.Hour)),
	))
	mock.SetCategoryResponse(9, testutil.NewCategoryResponse(9, false,
		shared,
		testutil.NewTopic(201, 9, baseTime.Add(-1*time.Hour)),
	))

	kv := store.NewMemoryStore()
	seedHierarchy(t, kv,
		discourse.CategoryInfo{ID: 5, Name: "Five"},
		discourse.CategoryInfo{ID: 9, Name: "Nine"},
	)

	engine := newTestEngine(t, mock, kv)
	result, err := engine.MergeTopics(context.Background(), []int64{5, 9}, nil)
	if err != nil {
		t.Fatalf("MergeTopics failed: %v", err)
	}

	if len(result.Topics) != 3 {
		t.Fatalf("Topics = %d, want 3 after dedup", len(result.Topics))
	}
	counts := make(map[int64]int)
	for _, topic := range result.Topics {
		counts[topic.ID]++
	}
	if counts[500] != 1 {
		t.Errorf("Topic 500 appears %d times, want 1", counts[500])
	}
}

func TestMergeTopics_FailedCategoryAbsorbed(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	mock.SetCategoryResponse(5, testutil.NewCategoryResponse(5, false,
		testutil.NewTopic(101, 5, baseTime),
	))
	mock.SetHandler("/c/9.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	kv := store.NewMemoryStore()
	seedHierarchy(t, kv, discourse.CategoryInfo{ID: 5, Name: "Five"}, discourse.CategoryInfo{ID: 9, Name: "Nine"})

	engine := newTestEngine(t, mock, kv)
	result, err := engine.MergeTopics(context.Background(), []int64{5, 9}, nil)
	if err != nil {
		t.Fatalf("A failed category must not fail the merge: %v", err)
	}
	if len(result.Topics) != 1 || result.Topics[0].ID != 101 {
		t.Errorf("Topics = %+v, want only category 5's topic", result.Topics)
	}
	if _, ok := result.PageOffsets[9]; ok {
		t.Error("A failed category must not advance its offset")
	}
}

func TestMergeTopics_OffsetsRequestLaterPages(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	mock.SetHandler("/c/5.json", func(w http.ResponseWriter, r *http.Request) {
		var resp discourse.CategoryResponse
		switch r.URL.Query().Get("page") {
		case "1":
			resp = testutil.NewCategoryResponse(5, true, testutil.NewTopic(110, 5, baseTime))
		default:
			t.Errorf("Unexpected page %q", r.URL.Query().Get("page"))
			resp = testutil.NewCategoryResponse(5, false)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	kv := store.NewMemoryStore()
	seedHierarchy(t, kv, discourse.CategoryInfo{ID: 5, Name: "Five"})

	engine := newTestEngine(t, mock, kv)
	result, err := engine.MergeTopics(context.Background(), []int64{5}, PageOffsets{5: 1})
	if err != nil {
		t.Fatalf("MergeTopics failed: %v", err)
	}
	if len(result.Topics) != 1 || result.Topics[0].ID != 110 {
		t.Errorf("Topics = %+v, want page 1's topic", result.Topics)
	}
	if got := result.PageOffsets[5]; got != 2 {
		t.Errorf("PageOffsets[5] = %d, want 2", got)
	}
}

func TestMergeTopics_CancellationPropagates(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	kv := store.NewMemoryStore()
	seedHierarchy(t, kv, discourse.CategoryInfo{ID: 5, Name: "Five"})

	engine := newTestEngine(t, mock, kv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.MergeTopics(ctx, []int64{5}, nil)
	if result != nil {
		t.Errorf("Cancelled merge must not return partial results, got %+v", result)
	}
	if !client.IsAborted(err) {
		t.Errorf("Expected an aborted error, got %v", err)
	}
}

func TestMergeTopics_MissingCategoryTriggersHierarchyFetch(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	// Category 5's page carries a topic from category 42, which the
	// fresh cache does not know. The merge must crawl for it.
	resp := testutil.NewCategoryResponse(5, false, testutil.NewTopic(101, 42, baseTime))
	mock.SetCategoryResponse(5, resp)
	mock.SetHierarchyPages([][]discourse.CategoryInfo{
		{
			{ID: 5, Name: "Five"},
			{ID: 42, Name: "Forty-Two", Slug: "forty-two"},
		},
	})

	kv := store.NewMemoryStore()
	seedHierarchy(t, kv, discourse.CategoryInfo{ID: 5, Name: "Five"})

	engine := newTestEngine(t, mock, kv)
	result, err := engine.MergeTopics(context.Background(), []int64{5}, nil)
	if err != nil {
		t.Fatalf("MergeTopics failed: %v", err)
	}

	got, ok := result.Categories[42]
	if !ok {
		t.Fatal("Category 42 missing from result; expected a crawl to resolve it")
	}
	if got.Name != "Forty-Two" {
		t.Errorf("Category 42 = %+v, want crawled metadata", got)
	}
	if mock.PathCount("/categories/hierarchical_search") == 0 {
		t.Error("Expected the hierarchy endpoint to be crawled")
	}
}

func TestMergeTopics_LiveMetadataWinsOverCached(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	color := "ff0000"
	live := testutil.NewCategoryResponse(5, false, testutil.NewTopic(101, 5, baseTime))
	live.Category = &discourse.CategoryInfo{ID: 5, Name: "Live Name", Slug: "live-slug"}
	mock.SetCategoryResponse(5, live)

	kv := store.NewMemoryStore()
	seedHierarchy(t, kv, discourse.CategoryInfo{
		ID:    5,
		Name:  "Cached Name",
		Slug:  "cached-slug",
		Color: &color,
	})

	engine := newTestEngine(t, mock, kv)
	result, err := engine.MergeTopics(context.Background(), []int64{5}, nil)
	if err != nil {
		t.Fatalf("MergeTopics failed: %v", err)
	}

	got := result.Categories[5]
	if got.Name != "Live Name" || got.Slug != "live-slug" {
		t.Errorf("Live fields must win over cached, got %+v", got)
	}
	if got.Color == nil || *got.Color != "ff0000" {
		t.Errorf("Cached fields must fill live gaps, got Color=%v", got.Color)
	}
}

func TestMergeTopics_NoCategories(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	kv := store.NewMemoryStore()
	seedHierarchy(t, kv)

	engine := newTestEngine(t, mock, kv)
	result, err := engine.MergeTopics(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("MergeTopics failed: %v", err)
	}
	if len(result.Topics) != 0 {
		t.Errorf("Topics = %d, want 0", len(result.Topics))
	}
	if result.HasMore {
		t.Error("HasMore = true, want false")
	}
}

func TestDedupeSorted(t *testing.T) {
	input := []discourse.Topic{
		{ID: 1, BumpedAt: baseTime.Add(-2 * time.Hour)},
		{ID: 2, BumpedAt: baseTime},
		{ID: 1, BumpedAt: baseTime.Add(-1 * time.Hour)},
		{ID: 3, BumpedAt: baseTime.Add(-3 * time.Hour)},
	}

	got := dedupeSorted(input)

	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Topic 1's newer occurrence wins, and order is newest first.
	expected := []int64{2, 1, 3}
	for i, id := range expected {
		if got[i].ID != id {
			t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, id)
		}
	}
	if !got[1].BumpedAt.Equal(baseTime.Add(-1 * time.Hour)) {
		t.Errorf("Duplicate resolution kept %v, want the newer occurrence", got[1].BumpedAt)
	}
}

func TestMissingCategoryIDs(t *testing.T) {
	parent := int64(2)
	categories := map[int64]discourse.CategoryInfo{
		5: {ID: 5, ParentCategoryID: &parent},
		9: {ID: 9},
	}
	allTopics := []discourse.Topic{
		{ID: 1, CategoryID: 5},
		{ID: 2, CategoryID: 9},
		{ID: 3, CategoryID: 42},
		{ID: 4, CategoryID: 42},
	}

	missing := missingCategoryIDs(allTopics, categories)

	if len(missing) != 2 {
		t.Fatalf("missing = %v, want [2 42]", missing)
	}
	found := map[int64]bool{}
	for _, id := range missing {
		found[id] = true
	}
	if !found[2] || !found[42] {
		t.Errorf("missing = %v, want the unknown parent 2 and category 42", missing)
	}
}

func TestPageOffsets_Clone(t *testing.T) {
	var nilOffsets PageOffsets
	cloned := nilOffsets.Clone()
	if cloned == nil {
		t.Fatal("Clone of nil must be a usable map")
	}
	cloned[5] = 1

	original := PageOffsets{5: 1}
	copied := original.Clone()
	copied[5] = 9
	if original[5] != 1 {
		t.Errorf("Clone must not share storage, original[5] = %d", original[5])
	}
}
