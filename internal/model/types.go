package model

import "time"

// Account identifies a remote account. ID is stable and unique; Handle is
// the display name and may change over time.
type Account struct {
	ID     string
	Handle string
}

// FollowSnapshot is the pair of follow mappings captured for one run.
// Keys are account IDs.
type FollowSnapshot struct {
	Followers map[string]Account
	Following map[string]Account
}

// NewFollowSnapshot builds a snapshot from two account lists.
func NewFollowSnapshot(followers, following []Account) FollowSnapshot {
	s := FollowSnapshot{
		Followers: make(map[string]Account, len(followers)),
		Following: make(map[string]Account, len(following)),
	}
	for _, a := range followers {
		s.Followers[a.ID] = a
	}
	for _, a := range following {
		s.Following[a.ID] = a
	}
	return s
}

// ActionRecord is one successful unfollow.
type ActionRecord struct {
	AccountID   string
	Handle      string
	PerformedAt time.Time
}
