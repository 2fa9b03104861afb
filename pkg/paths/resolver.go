// Package paths tracks the canonical URL base path per category.
// Categories have vanity slugs that change; remembering the redirected
// path lets the next request skip a redirect round-trip.
package paths

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forumtools/discourse-mergefeed/pkg/logging"
	"github.com/forumtools/discourse-mergefeed/pkg/store"
)

// trailing numeric path segment, optionally suffixed with .json
var trailingIDPattern = regexp.MustCompile(`/(\d+)(?:\.json)?$`)

// persistedPaths is the storage shape of the path cache.
type persistedPaths struct {
	UpdatedAt int64             `json:"updatedAt"`
	Paths     map[string]string `json:"paths"`
}

// Resolver maps category ids to their last-known canonical base path
// (e.g. "/c/announcements/5"). The persisted cache is lazily loaded
// once per process.
type Resolver struct {
	store  store.Store
	logger zerolog.Logger

	mu     sync.Mutex
	loaded bool
	paths  map[int64]string
}

// NewResolver creates a path resolver backed by the given store.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{
		store:  s,
		logger: logging.NewLogger("paths"),
		paths:  make(map[int64]string),
	}
}

// ResolvePath returns the cached canonical base path for categoryID, or
// the default "/c/<id>" when none is known.
func (r *Resolver) ResolvePath(ctx context.Context, categoryID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked(ctx)
	if path, ok := r.paths[categoryID]; ok {
		return path
	}
	return fmt.Sprintf("/c/%d", categoryID)
}

// RecordRedirect notes the final URL of a redirected topic-page fetch.
// The URL is only accepted when its trailing numeric segment matches
// categoryID; the map is persisted only when the path actually changed.
func (r *Resolver) RecordRedirect(ctx context.Context, categoryID int64, finalURL string) {
	resolved, ok := extractBasePath(finalURL, categoryID)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked(ctx)
	if r.paths[categoryID] == resolved {
		return
	}
	r.paths[categoryID] = resolved
	r.persistLocked(ctx)
	r.logger.Debug().
		Int64("category_id", categoryID).
		Str("path", resolved).
		Msg("Recorded redirected category path")
}

// extractBasePath validates a redirect target and returns the base path
// with any .json suffix stripped.
func extractBasePath(rawURL string, categoryID int64) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	path := parsed.Path
	if !strings.HasPrefix(path, "/c/") {
		return "", false
	}
	match := trailingIDPattern.FindStringSubmatch(path)
	if match == nil {
		return "", false
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil || id != categoryID {
		return "", false
	}
	return strings.TrimSuffix(path, ".json"), true
}

// loadLocked reads the persisted cache once. Corrupt payloads are
// treated as an empty cache.
func (r *Resolver) loadLocked(ctx context.Context) {
	if r.loaded {
		return
	}
	r.loaded = true

	data, err := r.store.Get(ctx, store.KeyCategoryPaths)
	if err != nil {
		if err != store.ErrNotFound {
			r.logger.Warn().Err(err).Msg("Failed to load category path cache")
		}
		return
	}

	var stored persistedPaths
	if err := json.Unmarshal(data, &stored); err != nil || stored.Paths == nil {
		r.logger.Warn().Msg("Corrupt category path cache, starting empty")
		return
	}
	for key, value := range stored.Paths {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || value == "" {
			continue
		}
		r.paths[id] = value
	}
}

// persistLocked writes the full map back to the store.
func (r *Resolver) persistLocked(ctx context.Context) {
	out := persistedPaths{
		UpdatedAt: time.Now().UnixMilli(),
		Paths:     make(map[string]string, len(r.paths)),
	}
	for id, path := range r.paths {
		out.Paths[strconv.FormatInt(id, 10)] = path
	}
	data, err := json.Marshal(out)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to marshal category path cache")
		return
	}
	if err := r.store.Set(ctx, store.KeyCategoryPaths, data); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist category path cache")
	}
}
