// Package tagicons resolves per-tag icons from the forum theme's
// tag_icon_list setting. It is a sibling of the category metadata
// cache: lazily populated, persisted, single-flight, with a deferred
// background prefetch.
package tagicons

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forumtools/discourse-mergefeed/pkg/client"
	"github.com/forumtools/discourse-mergefeed/pkg/logging"
	"github.com/forumtools/discourse-mergefeed/pkg/store"
)

const prefetchDelay = 3 * time.Second

// tag_icon_list: "tag,icon,color|tag2,icon2|..."
var tagIconListPattern = regexp.MustCompile(`tag_icon_list\s*:\s*["']([^"']*)["']`)

// Icon is the display icon (and optional color) for one tag.
type Icon struct {
	Icon  string  `json:"icon"`
	Color *string `json:"color,omitempty"`
}

// persistedEntry is one stored tag icon record.
type persistedEntry struct {
	Tag   string  `json:"tag"`
	Icon  string  `json:"icon"`
	Color *string `json:"color,omitempty"`
}

// persistedCache is the storage shape of the tag icon cache.
type persistedCache struct {
	UpdatedAt int64            `json:"updatedAt"`
	Entries   []persistedEntry `json:"entries"`
}

// AssetSource lists the theme-javascript asset URLs to scan for the
// tag_icon_list setting.
type AssetSource interface {
	ThemeAssetURLs(ctx context.Context) []string
}

// StaticAssets is an AssetSource over a fixed URL list.
type StaticAssets []string

// ThemeAssetURLs returns the fixed list.
func (s StaticAssets) ThemeAssetURLs(context.Context) []string { return s }

// Service caches the tag→icon mapping.
type Service struct {
	httpClient *http.Client
	fetcher    *client.Fetcher
	store      store.Store
	assets     AssetSource
	logger     zerolog.Logger

	mu      sync.Mutex
	cached  map[string]Icon
	pending *inflight

	prefetchOnce sync.Once
}

type inflight struct {
	done   chan struct{}
	result map[string]Icon
	err    error
}

// Config wires a tag icon service.
type Config struct {
	HTTPClient *http.Client
	Fetcher    *client.Fetcher
	Store      store.Store
	Assets     AssetSource
}

// NewService creates the tag icon cache service.
func NewService(cfg Config) *Service {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = client.New()
	}
	assets := cfg.Assets
	if assets == nil {
		assets = StaticAssets(nil)
	}
	return &Service{
		httpClient: httpClient,
		fetcher:    fetcher,
		store:      cfg.Store,
		assets:     assets,
		logger:     logging.NewLogger("tagicons"),
	}
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// ParseTagIconList parses the raw tag_icon_list setting value:
// pipe-separated entries of "tag,icon[,color]". Entries without a tag
// or icon are dropped; tags are normalized.
func ParseTagIconList(raw string) map[string]Icon {
	icons := make(map[string]Icon)
	for _, item := range strings.Split(raw, "|") {
		parts := strings.SplitN(item, ",", 3)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		tag := normalizeTag(parts[0])
		if tag == "" || len(parts) < 2 || parts[1] == "" {
			continue
		}
		entry := Icon{Icon: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			color := parts[2]
			entry.Color = &color
		}
		icons[tag] = entry
	}
	return icons
}

// ExtractTagIconList finds the tag_icon_list setting inside a theme
// javascript body. Returns false when the setting is absent.
func ExtractTagIconList(body string) (string, bool) {
	match := tagIconListPattern.FindStringSubmatch(body)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// Lookup returns the icon for a tag from the loaded cache, if any.
func (s *Service) Lookup(ctx context.Context, tag string) (Icon, bool) {
	icons, err := s.Load(ctx)
	if err != nil || icons == nil {
		return Icon{}, false
	}
	icon, ok := icons[normalizeTag(tag)]
	return icon, ok
}

// Load returns the cached tag icon map: the in-memory copy when this
// session already loaded it, else the persisted copy. Returns nil when
// no cache exists.
func (s *Service) Load(ctx context.Context) (map[string]Icon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx), nil
}

func (s *Service) loadLocked(ctx context.Context) map[string]Icon {
	if s.cached != nil {
		return s.cached
	}
	data, err := s.store.Get(ctx, store.KeyTagIcons)
	if err != nil {
		if err != store.ErrNotFound {
			s.logger.Warn().Err(err).Msg("Failed to read tag icon cache")
		}
		return nil
	}
	var stored persistedCache
	if err := json.Unmarshal(data, &stored); err != nil || stored.Entries == nil {
		s.logger.Warn().Msg("Corrupt tag icon cache, treating as miss")
		return nil
	}
	icons := make(map[string]Icon, len(stored.Entries))
	for _, e := range stored.Entries {
		tag := normalizeTag(e.Tag)
		if tag == "" || e.Icon == "" {
			continue
		}
		icons[tag] = Icon{Icon: e.Icon, Color: e.Color}
	}
	s.cached = icons
	return icons
}

func (s *Service) persist(ctx context.Context, icons map[string]Icon) {
	entries := make([]persistedEntry, 0, len(icons))
	for tag, icon := range icons {
		entries = append(entries, persistedEntry{Tag: tag, Icon: icon.Icon, Color: icon.Color})
	}
	data, err := json.Marshal(persistedCache{UpdatedAt: time.Now().UnixMilli(), Entries: entries})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal tag icon cache")
		return
	}
	if err := s.store.Set(ctx, store.KeyTagIcons, data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist tag icon cache")
	}
	s.mu.Lock()
	s.cached = icons
	s.mu.Unlock()
}

// FetchAll scans the theme assets for the tag icon list, sharing one
// in-flight scan among concurrent callers. Failures other than
// cancellation degrade to the previous cached map.
func (s *Service) FetchAll(ctx context.Context) (map[string]Icon, error) {
	s.mu.Lock()
	cached := s.loadLocked(ctx)
	if s.pending != nil {
		fl := s.pending
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, client.ErrAborted
		case <-fl.done:
			return fl.result, fl.err
		}
	}
	fl := &inflight{done: make(chan struct{})}
	s.pending = fl
	s.mu.Unlock()

	icons, err := s.scan(ctx)
	if err != nil {
		if !client.IsAborted(err) {
			s.logger.Warn().Err(err).Msg("Tag icon scan failed")
			icons, err = cached, nil
		}
	} else if len(icons) > 0 {
		s.persist(ctx, icons)
	} else {
		icons = cached
	}

	fl.result, fl.err = icons, err
	close(fl.done)

	s.mu.Lock()
	if s.pending == fl {
		s.pending = nil
	}
	s.mu.Unlock()

	return icons, err
}

// scan fetches each theme asset until one contains the setting.
func (s *Service) scan(ctx context.Context) (map[string]Icon, error) {
	for _, assetURL := range s.assets.ThemeAssetURLs(ctx) {
		if ctx.Err() != nil {
			return nil, client.ErrAborted
		}
		body, err := s.fetchAsset(ctx, assetURL)
		if err != nil {
			return nil, err
		}
		if body == "" {
			continue
		}
		if raw, ok := ExtractTagIconList(body); ok {
			return ParseTagIconList(raw), nil
		}
	}
	return nil, nil
}

// fetchAsset downloads one theme javascript. Soft failures read as an
// empty body.
func (s *Service) fetchAsset(ctx context.Context, assetURL string) (string, error) {
	resp, err := s.fetcher.Execute(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
		if err != nil {
			return nil, err
		}
		return s.httpClient.Do(req)
	}, client.Options{MaxRetryAttempts: 0})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", assetURL).Msg("Failed to read theme asset")
		return "", nil
	}
	return string(body), nil
}

// SchedulePrefetch arms a one-shot background scan when no cache
// exists yet. Armed at most once per process.
func (s *Service) SchedulePrefetch(ctx context.Context) {
	s.prefetchOnce.Do(func() {
		s.mu.Lock()
		cached := s.loadLocked(ctx)
		s.mu.Unlock()
		if cached != nil {
			return
		}
		timer := time.AfterFunc(prefetchDelay, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := s.FetchAll(ctx); err != nil && !client.IsAborted(err) {
				s.logger.Warn().Err(err).Msg("Tag icon prefetch failed")
			}
		})
		go func() {
			<-ctx.Done()
			timer.Stop()
		}()
	})
}
