// Package testutil provides testing utilities for the merged feed
// client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/forumtools/discourse-mergefeed/pkg/discourse"
)

// MockForum is a configurable mock Discourse server for testing.
type MockForum struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	requestCount  int
	pathCounts    map[string]int
	lastCSRFToken string
}

// NewMockForum creates a new mock forum server.
func NewMockForum() *MockForum {
	mock := &MockForum{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		if token := r.Header.Get("X-CSRF-Token"); token != "" {
			mock.lastCSRFToken = token
		}
		handler := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockForum) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockForum) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a specific path.
func (m *MockForum) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// RequestCount returns the total number of requests received.
func (m *MockForum) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests for one path.
func (m *MockForum) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// LastCSRFToken returns the most recent X-CSRF-Token header seen.
func (m *MockForum) LastCSRFToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCSRFToken
}

// SetCategoryResponse serves a fixed category response at /c/<id>.json.
func (m *MockForum) SetCategoryResponse(categoryID int64, resp discourse.CategoryResponse) {
	m.SetHandler(fmt.Sprintf("/c/%d.json", categoryID), JSONHandler(http.StatusOK, resp))
}

// SetCategoryRedirect redirects /c/<id>.json to the canonical slug path
// and serves the response there.
func (m *MockForum) SetCategoryRedirect(categoryID int64, canonicalPath string, resp discourse.CategoryResponse) {
	target := canonicalPath + ".json"
	m.SetHandler(fmt.Sprintf("/c/%d.json", categoryID), func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target+rawQuery(r), http.StatusMovedPermanently)
	})
	m.SetHandler(target, JSONHandler(http.StatusOK, resp))
}

func rawQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

// SetHierarchyPages serves the hierarchical search endpoint from a list
// of pages (page 1 first). Pages beyond the list return no categories.
func (m *MockForum) SetHierarchyPages(pages [][]discourse.CategoryInfo) {
	m.SetHandler("/categories/hierarchical_search", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var payload discourse.HierarchicalSearchResponse
		if page >= 1 && page <= len(pages) {
			payload.Categories = pages[page-1]
		}
		writeJSON(w, http.StatusOK, payload)
	})
}

// JSONHandler responds with a fixed status and JSON body.
func JSONHandler(status int, payload any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, payload)
	}
}

// FlakyHandler fails with failStatus for the first failures requests,
// then delegates to the success handler.
func FlakyHandler(failures int, failStatus int, success http.HandlerFunc) http.HandlerFunc {
	var mu sync.Mutex
	served := 0
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		served++
		failing := served <= failures
		mu.Unlock()
		if failing {
			w.WriteHeader(failStatus)
			return
		}
		success(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// NewTopic builds a topic with the fields the merge cares about.
func NewTopic(id, categoryID int64, bumpedAt time.Time) discourse.Topic {
	return discourse.Topic{
		ID:         id,
		Title:      fmt.Sprintf("Topic %d", id),
		Slug:       fmt.Sprintf("topic-%d", id),
		BumpedAt:   bumpedAt,
		CategoryID: categoryID,
		Views:      int(id * 10),
	}
}

// NewCategoryResponse builds a category response for the given topics.
// moreTopicsURL marks whether a further page exists.
func NewCategoryResponse(categoryID int64, moreTopics bool, topicList ...discourse.Topic) discourse.CategoryResponse {
	resp := discourse.CategoryResponse{
		TopicList: discourse.TopicList{Topics: topicList},
		Category: &discourse.CategoryInfo{
			ID:   categoryID,
			Name: fmt.Sprintf("Category %d", categoryID),
			Slug: fmt.Sprintf("category-%d", categoryID),
		},
	}
	if moreTopics {
		resp.TopicList.MoreTopicsURL = fmt.Sprintf("/c/%d?page=1", categoryID)
	}
	for _, t := range topicList {
		resp.Users = append(resp.Users, discourse.User{
			ID:             t.ID + 1000,
			Username:       fmt.Sprintf("user%d", t.ID),
			AvatarTemplate: "/user_avatar/{size}.png",
		})
	}
	return resp
}
