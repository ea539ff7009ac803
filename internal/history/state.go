package history

import (
	"context"
	"errors"
	"time"

	"mutualist/internal/model"
)

// RetentionLimit bounds ActionLog. Older records are evicted first.
const RetentionLimit = 1000

// ErrRunInProgress is returned by a Locker when another live run holds the
// store.
var ErrRunInProgress = errors.New("history: another run holds the store")

// State is the durable aggregate kept between runs.
type State struct {
	// TotalActions always equals the sum of DailyCounts.
	TotalActions int
	// DailyCounts is keyed by DayKey.
	DailyCounts map[string]int
	LastRunAt   *time.Time
	// ActionLog is the human-readable tail of past actions, oldest first.
	ActionLog []model.ActionRecord
	// Excluded holds every account ever actioned, with the time it was
	// first recorded. Unlike ActionLog it is never trimmed.
	Excluded map[string]time.Time
}

// Store loads and commits State.
type Store interface {
	// Load returns the persisted state, or an empty state when none exists
	// or the persisted form is corrupt. An error means the store could not
	// be read at all.
	Load(ctx context.Context) (State, error)
	// Commit replaces the persisted state. Readers never observe a
	// partially written state.
	Commit(ctx context.Context, s State) error
}

// Locker grants exclusive use of a store for the duration of a run.
type Locker interface {
	// Acquire claims the store for holder until release is called or ttl
	// passes. It returns ErrRunInProgress if a live holder exists.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (release func() error, err error)
}

// Empty returns a fresh state.
func Empty() State {
	return State{
		DailyCounts: map[string]int{},
		Excluded:    map[string]time.Time{},
	}
}

// DayKey is the calendar day of t in t's own location.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }

// CountOn returns the number of actions recorded on t's day.
func (s State) CountOn(t time.Time) int { return s.DailyCounts[DayKey(t)] }

// Clone returns a deep copy.
func (s State) Clone() State {
	out := State{
		TotalActions: s.TotalActions,
		DailyCounts:  make(map[string]int, len(s.DailyCounts)),
		ActionLog:    make([]model.ActionRecord, len(s.ActionLog)),
		Excluded:     make(map[string]time.Time, len(s.Excluded)),
	}
	for k, v := range s.DailyCounts {
		out.DailyCounts[k] = v
	}
	copy(out.ActionLog, s.ActionLog)
	for k, v := range s.Excluded {
		out.Excluded[k] = v
	}
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		out.LastRunAt = &t
	}
	return out
}

// RecordActions returns a copy of s with one record per account appended,
// the day and total counters advanced, the log trimmed to RetentionLimit
// and LastRunAt set to now. An account listed twice is recorded once.
func RecordActions(s State, accounts []model.Account, now time.Time) State {
	out := s.Clone()
	seen := make(map[string]struct{}, len(accounts))
	n := 0
	for _, a := range accounts {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		out.ActionLog = append(out.ActionLog, model.ActionRecord{AccountID: a.ID, Handle: a.Handle, PerformedAt: now})
		if _, ok := out.Excluded[a.ID]; !ok {
			out.Excluded[a.ID] = now
		}
		n++
	}
	if n > 0 {
		out.DailyCounts[DayKey(now)] += n
		out.TotalActions += n
	}
	if over := len(out.ActionLog) - RetentionLimit; over > 0 {
		out.ActionLog = append([]model.ActionRecord(nil), out.ActionLog[over:]...)
	}
	t := now
	out.LastRunAt = &t
	return out
}

// Normalize repairs what it can and reports whether s is usable. Nil maps
// are allocated, a drifted TotalActions is recomputed from DailyCounts, and
// log entries missing from Excluded are added. Negative counts make the
// state unusable.
func Normalize(s *State) (repaired bool, err error) {
	if s.DailyCounts == nil {
		s.DailyCounts = map[string]int{}
	}
	if s.Excluded == nil {
		s.Excluded = map[string]time.Time{}
	}
	sum := 0
	for day, c := range s.DailyCounts {
		if c < 0 {
			return false, errors.New("negative count for " + day)
		}
		if _, perr := time.Parse("2006-01-02", day); perr != nil {
			return false, errors.New("bad day key " + day)
		}
		sum += c
	}
	if s.TotalActions != sum {
		s.TotalActions = sum
		repaired = true
	}
	for _, r := range s.ActionLog {
		if r.AccountID == "" {
			return false, errors.New("action record without account id")
		}
		if _, ok := s.Excluded[r.AccountID]; !ok {
			s.Excluded[r.AccountID] = r.PerformedAt
		}
	}
	if over := len(s.ActionLog) - RetentionLimit; over > 0 {
		s.ActionLog = s.ActionLog[over:]
		repaired = true
	}
	return repaired, nil
}
