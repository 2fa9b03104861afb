package topics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/forumtools/discourse-mergefeed/internal/testutil"
	"github.com/forumtools/discourse-mergefeed/pkg/client"
	"github.com/forumtools/discourse-mergefeed/pkg/paths"
	"github.com/forumtools/discourse-mergefeed/pkg/store"
)

func newTestFetcher(mock *testutil.MockForum) (*Fetcher, *paths.Resolver) {
	resolver := paths.NewResolver(store.NewMemoryStore())
	f := NewFetcher(Config{
		BaseURL:  mock.URL(),
		Retry:    client.NewWithBaseDelay(time.Millisecond),
		Resolver: resolver,
	})
	return f, resolver
}

func TestBuildURL(t *testing.T) {
	resolver := paths.NewResolver(store.NewMemoryStore())
	f := NewFetcher(Config{BaseURL: "https://forum.example", Resolver: resolver})
	ctx := context.Background()

	tests := []struct {
		name       string
		categoryID int64
		page       int
		expected   string
	}{
		{"first page has no query", 5, 0, "https://forum.example/c/5.json"},
		{"later pages carry page param", 5, 2, "https://forum.example/c/5.json?page=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.buildURL(ctx, tt.categoryID, tt.page); got != tt.expected {
				t.Errorf("buildURL(%d, %d) = %q, want %q", tt.categoryID, tt.page, got, tt.expected)
			}
		})
	}
}

func TestBuildURL_UsesResolvedPath(t *testing.T) {
	resolver := paths.NewResolver(store.NewMemoryStore())
	f := NewFetcher(Config{BaseURL: "https://forum.example", Resolver: resolver})
	ctx := context.Background()

	resolver.RecordRedirect(ctx, 5, "https://forum.example/c/linux/5")

	if got := f.buildURL(ctx, 5, 0); got != "https://forum.example/c/linux/5.json" {
		t.Errorf("buildURL = %q, want the resolved slug path", got)
	}
}

func TestFetch_Success(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	bumped := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	mock.SetCategoryResponse(5, testutil.NewCategoryResponse(5, false,
		testutil.NewTopic(101, 5, bumped),
		testutil.NewTopic(102, 5, bumped.Add(-time.Hour)),
	))

	f, _ := newTestFetcher(mock)
	resp, err := f.Fetch(context.Background(), 5, 0, 3)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if resp == nil {
		t.Fatal("Expected a response, got nil")
	}
	if len(resp.TopicList.Topics) != 2 {
		t.Errorf("Topics = %d, want 2", len(resp.TopicList.Topics))
	}
	if resp.Category == nil || resp.Category.ID != 5 {
		t.Errorf("Category = %+v, want id 5", resp.Category)
	}
	if !resp.TopicList.Topics[0].BumpedAt.Equal(bumped) {
		t.Errorf("BumpedAt = %v, want %v", resp.TopicList.Topics[0].BumpedAt, bumped)
	}
}

func TestFetch_RecordsRedirect(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	mock.SetCategoryRedirect(5, "/c/linux/5", testutil.NewCategoryResponse(5, false,
		testutil.NewTopic(101, 5, time.Now()),
	))

	f, resolver := newTestFetcher(mock)
	ctx := context.Background()

	resp, err := f.Fetch(ctx, 5, 0, 3)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if resp == nil {
		t.Fatal("Expected a response, got nil")
	}
	if got := resolver.ResolvePath(ctx, 5); got != "/c/linux/5" {
		t.Errorf("ResolvePath = %q, want recorded redirect /c/linux/5", got)
	}

	// The second fetch goes straight to the canonical path.
	if _, err := f.Fetch(ctx, 5, 0, 3); err != nil {
		t.Fatalf("Second fetch failed: %v", err)
	}
	if count := mock.PathCount("/c/5.json"); count != 1 {
		t.Errorf("Original path hit %d times, want 1", count)
	}
	if count := mock.PathCount("/c/linux/5.json"); count != 2 {
		t.Errorf("Canonical path hit %d times, want 2", count)
	}
}

func TestFetch_RetriesRateLimit(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	mock.SetHandler("/c/9.json", testutil.FlakyHandler(1, http.StatusTooManyRequests,
		testutil.JSONHandler(http.StatusOK, testutil.NewCategoryResponse(9, false,
			testutil.NewTopic(201, 9, time.Now()),
		))))

	f, _ := newTestFetcher(mock)
	resp, err := f.Fetch(context.Background(), 9, 0, 3)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if resp == nil {
		t.Fatal("Expected a response after retry, got nil")
	}
	if count := mock.PathCount("/c/9.json"); count != 2 {
		t.Errorf("Expected 2 requests, got %d", count)
	}
}

func TestFetch_SoftFailureOnServerError(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	mock.SetHandler("/c/5.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	f, _ := newTestFetcher(mock)
	resp, err := f.Fetch(context.Background(), 5, 0, 3)
	if err != nil {
		t.Fatalf("Soft failure must not error, got %v", err)
	}
	if resp != nil {
		t.Errorf("Expected nil response, got %+v", resp)
	}
}

func TestFetch_SoftFailureOnBadJSON(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	mock.SetHandler("/c/5.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	})

	f, _ := newTestFetcher(mock)
	resp, err := f.Fetch(context.Background(), 5, 0, 3)
	if err != nil {
		t.Fatalf("Decode failure must not error, got %v", err)
	}
	if resp != nil {
		t.Errorf("Expected nil response, got %+v", resp)
	}
}

func TestFetch_CancellationPropagates(t *testing.T) {
	mock := testutil.NewMockForum()
	defer mock.Close()

	f, _ := newTestFetcher(mock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := f.Fetch(ctx, 5, 0, 3)
	if resp != nil {
		t.Errorf("Expected nil response, got %+v", resp)
	}
	if !client.IsAborted(err) {
		t.Errorf("Expected an aborted error, got %v", err)
	}
}
