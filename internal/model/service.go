package model

import "context"

// AccountService is the remote side the engine acts against.
type AccountService interface {
	// LookupAccount resolves a handle to an account.
	LookupAccount(ctx context.Context, handle string) (Account, error)
	// FetchFollowSnapshot returns the followers and following of accountID.
	FetchFollowSnapshot(ctx context.Context, accountID string) (FollowSnapshot, error)
	// Unfollow makes sourceID stop following targetID. One call is one
	// remote mutating request.
	Unfollow(ctx context.Context, sourceID, targetID string) error
}
