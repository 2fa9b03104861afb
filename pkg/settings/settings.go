// Package settings holds the user-adjustable request control settings
// that throttle the merge engine.
package settings

import (
	"context"
	"encoding/json"
	"math"

	"github.com/forumtools/discourse-mergefeed/pkg/store"
)

// UnlimitedRetries is the sentinel MaxRetryAttempts value meaning
// "retry without bound".
const UnlimitedRetries = -1

// Settings are the runtime knobs applied to every merge.
type Settings struct {
	// Concurrency is the maximum number of parallel category fetch
	// workers. Minimum 1.
	Concurrency int `json:"concurrency"`

	// RequestDelayMs is the per-worker pause between work items, in
	// milliseconds. Minimum 0.
	RequestDelayMs int `json:"requestDelayMs"`

	// MaxRetryAttempts is the retry budget per fetch. 0 means a single
	// attempt; UnlimitedRetries removes the bound.
	MaxRetryAttempts int `json:"maxRetryAttempts"`
}

// Default returns the default request control settings.
func Default() Settings {
	return Settings{
		Concurrency:      5,
		RequestDelayMs:   200,
		MaxRetryAttempts: 3,
	}
}

// Normalize clamps each field to its legal range, falling back to the
// defaults for values that are out of range in a non-recoverable way.
func Normalize(s Settings) Settings {
	return Settings{
		Concurrency:      clampInt(s.Concurrency, 1),
		RequestDelayMs:   clampInt(s.RequestDelayMs, 0),
		MaxRetryAttempts: clampInt(s.MaxRetryAttempts, UnlimitedRetries),
	}
}

func clampInt(value, minValue int) int {
	if value < minValue {
		return minValue
	}
	if value > math.MaxInt32 {
		return math.MaxInt32
	}
	return value
}

// Provider supplies the current settings to the merge engine. The
// engine re-reads them at the start of every merge so operator changes
// apply without a restart.
type Provider interface {
	Settings(ctx context.Context) Settings
}

// Static is a Provider returning a fixed, normalized value.
type Static struct {
	value Settings
}

// NewStatic creates a fixed-value provider.
func NewStatic(s Settings) *Static {
	return &Static{value: Normalize(s)}
}

// Settings returns the fixed settings.
func (p *Static) Settings(context.Context) Settings {
	return p.value
}

// StoreProvider reads settings overrides from the key-value store,
// falling back to the given defaults when the key is absent or the
// payload does not parse.
type StoreProvider struct {
	store    store.Store
	defaults Settings
}

// NewStoreProvider creates a store-backed provider.
func NewStoreProvider(s store.Store, defaults Settings) *StoreProvider {
	return &StoreProvider{store: s, defaults: Normalize(defaults)}
}

// Settings returns the stored settings, normalized.
func (p *StoreProvider) Settings(ctx context.Context) Settings {
	data, err := p.store.Get(ctx, store.KeyRequestSettings)
	if err != nil {
		return p.defaults
	}
	var stored Settings
	if err := json.Unmarshal(data, &stored); err != nil {
		return p.defaults
	}
	return Normalize(stored)
}

// Save persists normalized settings and returns the value written.
func (p *StoreProvider) Save(ctx context.Context, s Settings) (Settings, error) {
	normalized := Normalize(s)
	data, err := json.Marshal(normalized)
	if err != nil {
		return Settings{}, err
	}
	if err := p.store.Set(ctx, store.KeyRequestSettings, data); err != nil {
		return Settings{}, err
	}
	return normalized, nil
}
