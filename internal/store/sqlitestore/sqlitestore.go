package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"mutualist/internal/history"
	"mutualist/internal/logging"
	"mutualist/internal/metrics"
	"mutualist/internal/model"
)

// DB wraps a SQLite database holding unfollow history and the run lease.
type DB struct {
	sql  *sql.DB
	path string
}

var _ history.Store = (*DB)(nil)
var _ history.Locker = (*DB)(nil)

func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: ":memory:" databases are per-connection, and it
	// serialises Load against Commit inside the process.
	d.SetMaxOpenConns(1)
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = d.Close()
		return nil, err
	}
	db := &DB{sql: d, path: path}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS history_meta (
	  id INTEGER PRIMARY KEY CHECK (id=1),
	  total_actions INTEGER NOT NULL,
	  last_run_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS daily_counts (
	  day TEXT PRIMARY KEY,
	  count INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS action_log (
	  seq INTEGER PRIMARY KEY AUTOINCREMENT,
	  account_id TEXT NOT NULL,
	  handle TEXT NOT NULL,
	  performed_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS excluded_accounts (
	  account_id TEXT PRIMARY KEY,
	  excluded_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS run_lease (
	  id INTEGER PRIMARY KEY CHECK (id=1),
	  holder TEXT NOT NULL,
	  acquired_at INTEGER NOT NULL,
	  expires_at INTEGER NOT NULL
	);
	`)
	return err
}

// Load reads the full history. Rows that cannot be decoded are treated as
// corruption: the state is reset to empty and a warning is logged. Driver
// and I/O failures are returned to the caller.
func (d *DB) Load(ctx context.Context) (history.State, error) {
	st, err := d.load(ctx)
	if err == nil {
		var repaired bool
		repaired, err = history.Normalize(&st)
		if repaired {
			logging.Warn("history_repaired", map[string]any{"path": d.path, "total": st.TotalActions})
		}
		if err != nil {
			err = corrupt(err)
		}
	}
	if err == nil {
		return st, nil
	}
	if ctx.Err() != nil {
		return history.State{}, ctx.Err()
	}
	var ce *corruptError
	if !errors.As(err, &ce) {
		return history.State{}, fmt.Errorf("load history: %w", err)
	}
	metrics.HistoryResets.Inc()
	logging.Warn("history_corrupt_reset", map[string]any{"path": d.path, "error": err})
	return history.Empty(), nil
}

// corruptError marks a row that was read but could not be decoded.
type corruptError struct{ err error }

func (e *corruptError) Error() string { return "corrupt history: " + e.err.Error() }
func (e *corruptError) Unwrap() error { return e.err }

func corrupt(err error) error { return &corruptError{err: err} }

func (d *DB) load(ctx context.Context) (history.State, error) {
	st := history.Empty()
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer tx.Rollback()

	var total int
	var last sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT total_actions, last_run_at FROM history_meta WHERE id=1`).Scan(&total, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, corrupt(err)
	}
	st.TotalActions = total
	if last.Valid {
		t := time.Unix(0, last.Int64).UTC()
		st.LastRunAt = &t
	}

	rows, err := tx.QueryContext(ctx, `SELECT day, count FROM daily_counts`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			rows.Close()
			return st, corrupt(err)
		}
		st.DailyCounts[day] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT account_id, handle, performed_at FROM action_log ORDER BY seq`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var r model.ActionRecord
		var at int64
		if err := rows.Scan(&r.AccountID, &r.Handle, &at); err != nil {
			rows.Close()
			return st, corrupt(err)
		}
		r.PerformedAt = time.Unix(0, at).UTC()
		st.ActionLog = append(st.ActionLog, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT account_id, excluded_at FROM excluded_accounts`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var at int64
		if err := rows.Scan(&id, &at); err != nil {
			return st, corrupt(err)
		}
		st.Excluded[id] = time.Unix(0, at).UTC()
	}
	return st, rows.Err()
}

// Commit replaces the persisted history in one transaction. Excluded
// accounts are only ever added.
func (d *DB) Commit(ctx context.Context, st history.State) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last any
	if st.LastRunAt != nil {
		last = st.LastRunAt.UnixNano()
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO history_meta(id, total_actions, last_run_at) VALUES(1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET total_actions=excluded.total_actions, last_run_at=excluded.last_run_at`, st.TotalActions, last); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_counts`); err != nil {
		return err
	}
	for day, n := range st.DailyCounts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO daily_counts(day, count) VALUES(?,?)`, day, n); err != nil {
			return fmt.Errorf("write daily count %s: %w", day, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_log`); err != nil {
		return err
	}
	for _, r := range st.ActionLog {
		if _, err := tx.ExecContext(ctx, `INSERT INTO action_log(account_id, handle, performed_at) VALUES(?,?,?)`, r.AccountID, r.Handle, r.PerformedAt.UnixNano()); err != nil {
			return fmt.Errorf("write action log: %w", err)
		}
	}
	for id, at := range st.Excluded {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO excluded_accounts(account_id, excluded_at) VALUES(?,?)`, id, at.UnixNano()); err != nil {
			return fmt.Errorf("write exclusion: %w", err)
		}
	}
	return tx.Commit()
}

// Acquire claims the single run lease row. An expired lease is taken over.
func (d *DB) Acquire(ctx context.Context, holder string, ttl time.Duration) (func() error, error) {
	now := time.Now()
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO run_lease(id, holder, acquired_at, expires_at) VALUES(1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET holder=excluded.holder, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
		WHERE run_lease.expires_at < ? OR run_lease.holder = excluded.holder`,
		holder, now.UnixNano(), now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return nil, err
	}
	var cur string
	var exp int64
	if err := tx.QueryRowContext(ctx, `SELECT holder, expires_at FROM run_lease WHERE id=1`).Scan(&cur, &exp); err != nil {
		return nil, err
	}
	if cur != holder {
		return nil, fmt.Errorf("%w (holder %s until %s)", history.ErrRunInProgress, cur, time.Unix(0, exp).UTC().Format(time.RFC3339))
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	release := func() error {
		_, err := d.sql.ExecContext(context.Background(), `DELETE FROM run_lease WHERE id=1 AND holder=?`, holder)
		return err
	}
	return release, nil
}
