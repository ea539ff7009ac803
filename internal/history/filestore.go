package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mutualist/internal/logging"
	"mutualist/internal/metrics"
	"mutualist/internal/model"
)

// FileStore keeps State as a single JSON document. The layout matches the
// unfollow_history.json files written by earlier tooling, plus an
// "excluded" object; unknown keys are ignored.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (s *FileStore) Path() string { return s.path }

type document struct {
	TotalUnfollowed int               `json:"total_unfollowed"`
	DailyUnfollows  map[string]int    `json:"daily_unfollows"`
	LastCheck       *string           `json:"last_check"`
	UnfollowedUsers []documentRecord  `json:"unfollowed_users"`
	Excluded        map[string]string `json:"excluded,omitempty"`
}

type documentRecord struct {
	Username     string          `json:"username"`
	UserID       json.RawMessage `json:"user_id"`
	UnfollowedAt string          `json:"unfollowed_at"`
}

// Timestamps written by older tools carry no zone.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, error) {
	for _, l := range timeLayouts {
		if t, err := time.ParseInLocation(l, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// IDs may be JSON strings or numbers.
func parseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("missing user_id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Decode parses a history document. Timestamps without a zone are read in
// the local zone.
func Decode(b []byte) (State, error) {
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return State{}, err
	}
	st := Empty()
	st.TotalActions = doc.TotalUnfollowed
	for k, v := range doc.DailyUnfollows {
		st.DailyCounts[k] = v
	}
	if doc.LastCheck != nil && *doc.LastCheck != "" {
		t, err := parseTime(*doc.LastCheck)
		if err != nil {
			return State{}, err
		}
		st.LastRunAt = &t
	}
	st.ActionLog = make([]model.ActionRecord, 0, len(doc.UnfollowedUsers))
	for i, r := range doc.UnfollowedUsers {
		id, err := parseID(r.UserID)
		if err != nil {
			return State{}, fmt.Errorf("unfollowed_users[%d]: %w", i, err)
		}
		at, err := parseTime(r.UnfollowedAt)
		if err != nil {
			return State{}, fmt.Errorf("unfollowed_users[%d]: %w", i, err)
		}
		st.ActionLog = append(st.ActionLog, model.ActionRecord{AccountID: id, Handle: r.Username, PerformedAt: at})
	}
	for id, ts := range doc.Excluded {
		t, err := parseTime(ts)
		if err != nil {
			return State{}, fmt.Errorf("excluded[%s]: %w", id, err)
		}
		st.Excluded[id] = t
	}
	return st, nil
}

// Encode renders s as an indented history document.
func Encode(s State) ([]byte, error) {
	doc := document{
		TotalUnfollowed: s.TotalActions,
		DailyUnfollows:  s.DailyCounts,
		UnfollowedUsers: make([]documentRecord, 0, len(s.ActionLog)),
		Excluded:        make(map[string]string, len(s.Excluded)),
	}
	if doc.DailyUnfollows == nil {
		doc.DailyUnfollows = map[string]int{}
	}
	if s.LastRunAt != nil {
		v := s.LastRunAt.Format(time.RFC3339Nano)
		doc.LastCheck = &v
	}
	for _, r := range s.ActionLog {
		id, _ := json.Marshal(r.AccountID)
		doc.UnfollowedUsers = append(doc.UnfollowedUsers, documentRecord{
			Username:     r.Handle,
			UserID:       id,
			UnfollowedAt: r.PerformedAt.Format(time.RFC3339Nano),
		})
	}
	for id, t := range s.Excluded {
		doc.Excluded[id] = t.Format(time.RFC3339Nano)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ReadFile decodes and normalizes the document at path. It does not reset
// on corruption; callers that want that behaviour use FileStore.Load.
func ReadFile(path string) (State, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	st, err := Decode(b)
	if err != nil {
		return State{}, err
	}
	if _, err := Normalize(&st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *FileStore) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Empty(), nil
		}
		return State{}, err
	}
	st, err := Decode(b)
	if err == nil {
		var repaired bool
		repaired, err = Normalize(&st)
		if repaired {
			logging.Warn("history_repaired", map[string]any{"path": s.path, "total": st.TotalActions})
		}
	}
	if err != nil {
		metrics.HistoryResets.Inc()
		logging.Warn("history_corrupt_reset", map[string]any{"path": s.path, "error": err})
		return Empty(), nil
	}
	return st, nil
}

func (s *FileStore) Commit(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := Encode(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path, b)
}

// writeAtomic writes b next to path and renames it into place.
func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		return err
	}
	return os.Rename(name, path)
}

type lockFile struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// lockGrace is how long a lock file without a readable body counts as held.
const lockGrace = time.Minute

// Acquire takes an exclusive lock file beside the history document. The
// body is written first and hard-linked into place, so a lock file is never
// observed half-written. A lock whose expiry has passed is taken over; one
// that cannot be parsed is taken over once it is older than lockGrace.
func (s *FileStore) Acquire(ctx context.Context, holder string, ttl time.Duration) (func() error, error) {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(lockFile{Holder: holder, ExpiresAt: time.Now().Add(ttl).UTC()})
	release := func() error {
		_, err := moveAsideIf(lockPath, func(b []byte) bool {
			var lf lockFile
			return json.Unmarshal(b, &lf) == nil && lf.Holder == holder
		})
		return err
	}
	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := linkLock(lockPath, body)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		info, err := os.Stat(lockPath)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cur, err := os.ReadFile(lockPath)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		now := time.Now()
		var lf lockFile
		if json.Unmarshal(cur, &lf) == nil && lf.Holder != "" {
			if now.Before(lf.ExpiresAt) {
				return nil, fmt.Errorf("%w (holder %s until %s)", ErrRunInProgress, lf.Holder, lf.ExpiresAt.Format(time.RFC3339))
			}
		} else if now.Before(info.ModTime().Add(lockGrace)) {
			return nil, fmt.Errorf("%w (unreadable lock %s)", ErrRunInProgress, lockPath)
		}
		logging.Warn("history_lock_stale", map[string]any{"path": lockPath, "holder": lf.Holder})
		moved, err := moveAsideIf(lockPath, func(b []byte) bool { return bytes.Equal(b, cur) })
		if err != nil {
			return nil, err
		}
		if !moved {
			return nil, ErrRunInProgress
		}
	}
	return nil, ErrRunInProgress
}

// linkLock creates lockPath holding body. It fails with fs.ErrExist when a
// lock is already present.
func linkLock(lockPath string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(lockPath), "."+filepath.Base(lockPath)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(name, lockPath)
}

// moveAsideIf removes the lock at lockPath only if its content satisfies
// ok. The file is renamed away first, which is atomic; a lock that changed
// since the caller inspected it is linked back.
func moveAsideIf(lockPath string, ok func([]byte) bool) (bool, error) {
	aside := fmt.Sprintf("%s.%d.%d.old", lockPath, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(lockPath, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	defer os.Remove(aside)
	b, err := os.ReadFile(aside)
	if err == nil && ok(b) {
		return true, nil
	}
	if lerr := os.Link(aside, lockPath); lerr != nil && !errors.Is(lerr, fs.ErrExist) {
		return false, lerr
	}
	return false, err
}
