package analytics

import (
	"sort"
	"time"

	"mutualist/internal/history"
	"mutualist/internal/model"
)

// DayCount is the number of unfollows on one calendar day.
type DayCount struct {
	Day   string
	Count int
}

// Stats summarises history for display.
type Stats struct {
	Total     int
	Today     int
	LastRunAt *time.Time
	Excluded  int
	LogSize   int
	// LastDays holds the trailing window oldest first, zero days included.
	LastDays []DayCount
	Recent   []model.ActionRecord
}

// Summarize reports the trailing `days` days ending on now's calendar day
// and the `recent` newest log records, newest first.
func Summarize(s history.State, now time.Time, days, recent int) Stats {
	out := Stats{
		Total:     s.TotalActions,
		Today:     s.CountOn(now),
		LastRunAt: s.LastRunAt,
		Excluded:  len(s.Excluded),
		LogSize:   len(s.ActionLog),
	}
	for i := days - 1; i >= 0; i-- {
		d := history.DayKey(now.AddDate(0, 0, -i))
		out.LastDays = append(out.LastDays, DayCount{Day: d, Count: s.DailyCounts[d]})
	}
	for i := len(s.ActionLog) - 1; i >= 0 && len(out.Recent) < recent; i-- {
		out.Recent = append(out.Recent, s.ActionLog[i])
	}
	return out
}

// SortedDays returns every day with a count, ascending.
func SortedDays(s history.State) []DayCount {
	out := make([]DayCount, 0, len(s.DailyCounts))
	for d, c := range s.DailyCounts {
		out = append(out, DayCount{Day: d, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}
