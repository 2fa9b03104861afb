// Package store provides the persistent key-value storage used by the
// feed engine's caches (category metadata, category paths, tag icons,
// groups, runtime settings).
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("store: key not found")
)

// Store is an opaque key-value store. Values are raw JSON payloads;
// callers validate shape on read and treat corrupt payloads as misses.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
}

// Well-known storage keys.
const (
	KeyCategoryGroups   = "mergefeed:category_groups"
	KeyCategoryMetadata = "mergefeed:category_metadata_cache"
	KeyCategoryPaths    = "mergefeed:category_path_cache"
	KeyTagIcons         = "mergefeed:tag_icon_cache"
	KeyRequestSettings  = "mergefeed:request_control_settings"
)
