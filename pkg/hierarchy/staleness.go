package hierarchy

import "time"

// The category catalog refreshes once per day at 04:00 in a fixed UTC-8
// reference timezone, matching the upstream forum's quiet hours.
var refreshZone = time.FixedZone("UTC-8", -8*60*60)

const refreshHour = 4

// latestRefreshBoundary returns the most recent daily refresh boundary
// at or before now.
func latestRefreshBoundary(now time.Time) time.Time {
	local := now.In(refreshZone)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), refreshHour, 0, 0, 0, refreshZone)
	if local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// IsStale reports whether a cache written at updatedAt predates the
// most recent daily refresh boundary. A zero updatedAt is always stale.
func IsStale(updatedAt, now time.Time) bool {
	if updatedAt.IsZero() {
		return true
	}
	return updatedAt.Before(latestRefreshBoundary(now))
}
