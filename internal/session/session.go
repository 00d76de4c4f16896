// Package session carries the current user's sign-in context. It is an
// explicit value passed to each tracker's constructor; there is no ambient
// singleton, and each component reads only the fields it needs.
package session

import "github.com/amically/amity/internal/policy"

// Session identifies the signed-in user driving the sync core.
type Session struct {
	// UserID is the authenticated user's id.
	UserID string
	// Policy is the restriction check consulted before mutations.
	Policy policy.Checker
}

// New creates a session for a signed-in user.
func New(userID string, checker policy.Checker) Session {
	return Session{
		UserID: userID,
		Policy: checker,
	}
}
