package schedule

import (
	"time"
)

// NextWindow returns the earliest time at or after now that falls outside
// quietHours. Hours are read in now's location. If now is quiet the result
// is the top of the next non-quiet hour.
func NextWindow(now time.Time, quietHours []int) time.Time {
	isQuiet := func(h int) bool {
		for _, q := range quietHours {
			if q == h { return true }
		}
		return false
	}
	if !isQuiet(now.Hour()) {
		return now
	}
	top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	for i := 1; i <= 48; i++ { // search up to 2 days ahead
		cand := top.Add(time.Duration(i) * time.Hour)
		if !isQuiet(cand.Hour()) {
			return cand
		}
	}
	return now.Add(15 * time.Minute)
}
