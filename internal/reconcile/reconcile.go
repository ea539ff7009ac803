package reconcile

import (
	"sort"
	"strings"

	"mutualist/internal/history"
	"mutualist/internal/model"
)

// NonReciprocal returns the accounts in snap.Following that neither follow
// back nor appear in excluded, ordered by ID.
func NonReciprocal(snap model.FollowSnapshot, excluded map[string]struct{}) []model.Account {
	out := make([]model.Account, 0, len(snap.Following))
	for id, a := range snap.Following {
		if _, ok := snap.Followers[id]; ok {
			continue
		}
		if _, ok := excluded[id]; ok {
			continue
		}
		if a.ID == "" {
			a.ID = id
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out
}

// lessID orders numeric ids by value and anything else lexically; numeric
// ids sort before non-numeric ones.
func lessID(a, b string) bool {
	na, nb := isDigits(a), isDigits(b)
	switch {
	case na && nb:
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(ta) != len(tb) {
			return len(ta) < len(tb)
		}
		if ta != tb {
			return ta < tb
		}
	case na != nb:
		return na
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ExcludedIDs is every account the history says was already actioned:
// the durable exclusion set plus whatever is still in the log.
func ExcludedIDs(s history.State) map[string]struct{} {
	out := make(map[string]struct{}, len(s.Excluded)+len(s.ActionLog))
	for id := range s.Excluded {
		out[id] = struct{}{}
	}
	for _, r := range s.ActionLog {
		out[r.AccountID] = struct{}{}
	}
	return out
}

// KeepIDs resolves a keep list of handles or ids against the snapshot.
// Entries may carry a leading "@". Handles match case-insensitively.
func KeepIDs(snap model.FollowSnapshot, keep []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keep))
	if len(keep) == 0 {
		return out
	}
	handles := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[strings.TrimPrefix(k, "@")] = struct{}{}
		handles[strings.ToLower(strings.TrimPrefix(k, "@"))] = struct{}{}
	}
	for id, a := range snap.Following {
		if _, ok := handles[strings.ToLower(a.Handle)]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// Union merges sets into a new one.
func Union(sets ...map[string]struct{}) map[string]struct{} {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	out := make(map[string]struct{}, n)
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}
