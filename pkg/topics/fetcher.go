// Package topics fetches one page of topics for one category, using
// the path resolver for URL construction and the retryable fetcher for
// resilience.
package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/forumtools/discourse-mergefeed/pkg/client"
	"github.com/forumtools/discourse-mergefeed/pkg/discourse"
	"github.com/forumtools/discourse-mergefeed/pkg/logging"
	"github.com/forumtools/discourse-mergefeed/pkg/paths"
)

// Fetcher retrieves topic pages from the upstream forum.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	retry      *client.Fetcher
	resolver   *paths.Resolver
	logger     zerolog.Logger
}

// Config wires a topic page fetcher.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Retry      *client.Fetcher
	Resolver   *paths.Resolver
}

// NewFetcher creates a topic page fetcher.
func NewFetcher(cfg Config) *Fetcher {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retry := cfg.Retry
	if retry == nil {
		retry = client.New()
	}
	return &Fetcher{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		retry:      retry,
		resolver:   cfg.Resolver,
		logger:     logging.NewLogger("topics"),
	}
}

// buildURL constructs the topic page URL from the resolved base path.
// Page 0 is the bare .json endpoint; later pages append ?page=N.
func (f *Fetcher) buildURL(ctx context.Context, categoryID int64, page int) string {
	basePath := f.resolver.ResolvePath(ctx, categoryID)
	url := f.baseURL + basePath + ".json"
	if page > 0 {
		url = fmt.Sprintf("%s?page=%d", url, page)
	}
	return url
}

// Fetch retrieves one topic page for categoryID. A nil response with a
// nil error is the soft-failure outcome: retries exhausted or a
// non-retryable status, absorbed by the merge. A non-nil error is
// always a cancellation.
func (f *Fetcher) Fetch(ctx context.Context, categoryID int64, page, maxRetryAttempts int) (*discourse.CategoryResponse, error) {
	requestURL := f.buildURL(ctx, categoryID, page)

	resp, err := f.retry.Execute(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return f.httpClient.Do(req)
	}, client.Options{MaxRetryAttempts: maxRetryAttempts})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		f.logger.Warn().
			Int64("category_id", categoryID).
			Int("page", page).
			Msg("Failed to fetch category topics")
		return nil, nil
	}
	defer resp.Body.Close()

	// A vanity-slug category answers with a redirect; remember the
	// canonical path so the next request skips the hop.
	if finalURL := resp.Request.URL.String(); finalURL != requestURL {
		f.resolver.RecordRedirect(ctx, categoryID, finalURL)
	}

	var payload discourse.CategoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		f.logger.Warn().Err(err).
			Int64("category_id", categoryID).
			Int("page", page).
			Msg("Failed to decode category topics")
		return nil, nil
	}
	return &payload, nil
}
