package quota

import (
	"time"

	"mutualist/internal/history"
)

// RemainingToday is how many actions the daily limit still permits on
// now's calendar day. A non-positive limit permits nothing.
func RemainingToday(s history.State, dailyLimit int, now time.Time) int {
	if dailyLimit <= 0 {
		return 0
	}
	return max(0, dailyLimit-s.CountOn(now))
}

// AllowedThisRun caps a run at the smallest of the per-run limit, what is
// left today, and the number of candidates.
func AllowedThisRun(s history.State, dailyLimit, perRunLimit, candidateCount int, now time.Time) int {
	return max(0, min(perRunLimit, RemainingToday(s, dailyLimit, now), candidateCount))
}
