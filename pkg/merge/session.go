package merge

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSuperseded is returned when a newer request started while this
	// one was in flight. The superseded result is discarded.
	ErrSuperseded = errors.New("merge: request superseded")

	// ErrNoActiveFeed is returned by LoadMore before any Refresh.
	ErrNoActiveFeed = errors.New("merge: no active feed")
)

// Session serializes merge requests for one viewer: only one active
// merge is meaningful at a time. Starting a new request cancels the
// previous one, and a request that finishes after being superseded has
// its result discarded. Supersession is guarded by a monotonically
// increasing request id.
type Session struct {
	engine *Engine

	mu          sync.Mutex
	requestID   uint64
	cancelPrev  context.CancelFunc
	categoryIDs []int64
	offsets     PageOffsets
	hasMore     bool
}

// NewSession creates a session over the given engine.
func NewSession(engine *Engine) *Session {
	return &Session{engine: engine}
}

// begin supersedes any in-flight request and registers a new one.
func (s *Session) begin(ctx context.Context) (context.Context, context.CancelFunc, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelPrev != nil {
		s.cancelPrev()
	}
	s.requestID++
	requestCtx, cancel := context.WithCancel(ctx)
	s.cancelPrev = cancel
	return requestCtx, cancel, s.requestID
}

// settle applies a finished request's outcome unless a newer request
// took over in the meantime.
func (s *Session) settle(requestID uint64, result *Result, err error) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestID != requestID {
		return nil, ErrSuperseded
	}
	s.cancelPrev = nil
	if err != nil {
		return nil, err
	}
	s.offsets = result.PageOffsets
	s.hasMore = result.HasMore
	return result, nil
}

// Refresh starts the feed over for the given categories: offsets reset
// to the first page per category.
func (s *Session) Refresh(ctx context.Context, categoryIDs []int64) (*Result, error) {
	requestCtx, cancel, requestID := s.begin(ctx)
	defer cancel()

	s.mu.Lock()
	s.categoryIDs = append([]int64(nil), categoryIDs...)
	s.offsets = PageOffsets{}
	s.mu.Unlock()

	result, err := s.engine.MergeTopics(requestCtx, categoryIDs, PageOffsets{})
	return s.settle(requestID, result, err)
}

// LoadMore fetches the next page per category using the offsets the
// previous request left behind. Categories whose last response had no
// further pages keep their offset and simply contribute nothing new.
func (s *Session) LoadMore(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.categoryIDs == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveFeed
	}
	categoryIDs := append([]int64(nil), s.categoryIDs...)
	offsets := s.offsets.Clone()
	s.mu.Unlock()

	requestCtx, cancel, requestID := s.begin(ctx)
	defer cancel()

	result, err := s.engine.MergeTopics(requestCtx, categoryIDs, offsets)
	return s.settle(requestID, result, err)
}

// HasMore reports whether the last settled request indicated further
// pages exist.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}
