package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"mutualist/internal/analytics"
	"mutualist/internal/jobs"
	"mutualist/internal/model"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type accountView struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

func accountViews(as []model.Account) []accountView {
	out := make([]accountView, 0, len(as))
	for _, a := range as {
		out = append(out, accountView{ID: a.ID, Handle: a.Handle})
	}
	return out
}

type failureView struct {
	accountView
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type summaryView struct {
	RunID             string        `json:"run_id"`
	Started           time.Time     `json:"started"`
	Finished          time.Time     `json:"finished"`
	Candidates        int           `json:"candidates"`
	Attempted         int           `json:"attempted"`
	Succeeded         int           `json:"succeeded"`
	Failed            int           `json:"failed"`
	SkippedDueToQuota int           `json:"skipped_due_to_quota"`
	QuotaRemaining    int           `json:"quota_remaining"`
	QuotaExhausted    bool          `json:"quota_exhausted"`
	Paused            bool          `json:"paused"`
	Cancelled         bool          `json:"cancelled"`
	DryRun            bool          `json:"dry_run"`
	Unfollowed        []accountView `json:"unfollowed"`
	Failures          []failureView `json:"failures"`
}

func writeSummary(w io.Writer, format string, s jobs.Summary) error {
	if format == "json" {
		v := summaryView{
			RunID: s.RunID, Started: s.Started, Finished: s.Finished,
			Candidates: s.Candidates, Attempted: s.Attempted, Succeeded: s.Succeeded, Failed: s.Failed,
			SkippedDueToQuota: s.SkippedDueToQuota, QuotaRemaining: s.QuotaRemaining,
			QuotaExhausted: s.QuotaExhausted, Paused: s.Paused, Cancelled: s.Cancelled, DryRun: s.DryRun,
			Unfollowed: accountViews(s.Unfollowed), Failures: []failureView{},
		}
		for _, f := range s.Failures {
			v.Failures = append(v.Failures, failureView{
				accountView: accountView{ID: f.Account.ID, Handle: f.Account.Handle},
				Outcome:     f.Outcome.String(), Attempts: f.Attempts, Error: f.Err,
			})
		}
		return writeJSON(w, v)
	}
	label := "Run"
	if s.DryRun {
		label = "Dry run"
	}
	fmt.Fprintf(w, "%s %s\n", label, s.RunID)
	fmt.Fprintf(w, "  candidates:           %d\n", s.Candidates)
	fmt.Fprintf(w, "  attempted:            %d\n", s.Attempted)
	fmt.Fprintf(w, "  succeeded:            %d\n", s.Succeeded)
	fmt.Fprintf(w, "  failed:               %d\n", s.Failed)
	fmt.Fprintf(w, "  skipped due to quota: %d\n", s.SkippedDueToQuota)
	fmt.Fprintf(w, "  quota remaining:      %d\n", s.QuotaRemaining)
	switch {
	case s.QuotaExhausted:
		fmt.Fprintln(w, "  daily limit reached; try again tomorrow")
	case s.Paused:
		fmt.Fprintln(w, "  paused by rate limiting; remaining accounts wait for the next run")
	case s.Cancelled:
		fmt.Fprintln(w, "  cancelled; completed unfollows were recorded")
	}
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  ! @%s (%s) %s after %d attempts: %s\n", f.Account.Handle, f.Account.ID, f.Outcome, f.Attempts, f.Err)
	}
	return nil
}

type statsView struct {
	Total     int                  `json:"total"`
	Today     int                  `json:"today"`
	LastRunAt *time.Time           `json:"last_run_at"`
	Excluded  int                  `json:"excluded"`
	LogSize   int                  `json:"log_size"`
	DailyMax  int                  `json:"daily_limit"`
	LastDays  []analytics.DayCount `json:"last_days"`
	Recent    []recentView         `json:"recent"`
}

type recentView struct {
	accountView
	At time.Time `json:"at"`
}

func writeStats(w io.Writer, format string, st analytics.Stats, dailyLimit int) error {
	if format == "json" {
		v := statsView{Total: st.Total, Today: st.Today, LastRunAt: st.LastRunAt, Excluded: st.Excluded, LogSize: st.LogSize, DailyMax: dailyLimit, LastDays: st.LastDays, Recent: []recentView{}}
		for _, r := range st.Recent {
			v.Recent = append(v.Recent, recentView{accountView{ID: r.AccountID, Handle: r.Handle}, r.PerformedAt})
		}
		return writeJSON(w, v)
	}
	fmt.Fprintf(w, "Total unfollowed: %d\n", st.Total)
	fmt.Fprintf(w, "Today:            %d / %d\n", st.Today, dailyLimit)
	last := "never"
	if st.LastRunAt != nil {
		last = st.LastRunAt.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "Last run:         %s\n", last)
	fmt.Fprintf(w, "Never again:      %d accounts\n", st.Excluded)
	fmt.Fprintf(w, "Log entries:      %d\n", st.LogSize)
	fmt.Fprintln(w, "Last days:")
	for _, d := range st.LastDays {
		fmt.Fprintf(w, "  %s %4d\n", d.Day, d.Count)
	}
	if len(st.Recent) > 0 {
		fmt.Fprintln(w, "Recent:")
		for _, r := range st.Recent {
			fmt.Fprintf(w, "  %s @%s (%s)\n", r.PerformedAt.Format(time.RFC3339), r.Handle, r.AccountID)
		}
	}
	return nil
}
