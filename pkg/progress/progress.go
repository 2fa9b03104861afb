// Package progress notifies an observer of per-category fetch results
// during a merge. Reporting is purely observational; no engine logic
// depends on it.
package progress

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/forumtools/discourse-mergefeed/pkg/logging"
)

// Tracker receives per-category outcomes for one merge.
type Tracker interface {
	// MarkSuccess records one successfully fetched category.
	MarkSuccess()

	// MarkFailure records one category whose fetch was absorbed as a
	// soft failure.
	MarkFailure()

	// Finish ends the merge. aborted marks a cancelled merge, whose
	// partial counts are meaningless.
	Finish(aborted bool)
}

// Reporter creates a Tracker per merge.
type Reporter interface {
	Start(total int) Tracker
}

// Noop is a Reporter that discards all events.
type Noop struct{}

// Start returns a tracker that ignores everything.
func (Noop) Start(int) Tracker { return noopTracker{} }

type noopTracker struct{}

func (noopTracker) MarkSuccess() {}
func (noopTracker) MarkFailure() {}
func (noopTracker) Finish(bool)  {}

// LogReporter logs progress through zerolog.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter creates a log-backed reporter.
func NewLogReporter() *LogReporter {
	return &LogReporter{logger: logging.NewLogger("progress")}
}

// Start begins tracking a merge of total categories. A non-positive
// total yields a no-op tracker.
func (r *LogReporter) Start(total int) Tracker {
	if total <= 0 {
		return noopTracker{}
	}
	return &logTracker{logger: r.logger, total: total}
}

// logTracker counts outcomes with the same guards as a UI indicator:
// counts clamp to the total and a finished tracker ignores late marks.
type logTracker struct {
	logger zerolog.Logger

	mu      sync.Mutex
	total   int
	success int
	failed  int
	done    bool
}

func (t *logTracker) MarkSuccess() { t.advance(false) }
func (t *logTracker) MarkFailure() { t.advance(true) }

func (t *logTracker) advance(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	if failed {
		t.failed = clamp(t.failed+1, t.total)
	} else {
		t.success = clamp(t.success+1, t.total)
	}
	t.logger.Debug().
		Int("success", t.success).
		Int("failed", t.failed).
		Int("total", t.total).
		Msg("Fetch progress")
}

func (t *logTracker) Finish(aborted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	if aborted {
		t.logger.Debug().Msg("Fetch progress discarded (merge aborted)")
		return
	}
	event := t.logger.Info()
	if t.failed > 0 {
		event = t.logger.Warn()
	}
	event.
		Int("success", t.success).
		Int("failed", t.failed).
		Int("total", t.total).
		Msg("Fetch complete")
}

func clamp(value, total int) int {
	if value < 0 {
		return 0
	}
	if value > total {
		return total
	}
	return value
}
