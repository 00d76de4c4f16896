package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the sync core. These provide consistent, checkable
// errors for common failure conditions.
var (
	ErrNotFound       = errors.New("requested resource not found")
	ErrSendFailed     = errors.New("failed to send message")
	ErrNotParticipant = errors.New("user is not a participant of this conversation")
	ErrNotSender      = errors.New("only the sender may delete a message for everyone")
)

// RestrictedError is returned when the policy check blocks an action. It is
// an authorization failure, distinct from transient I/O errors, and must be
// surfaced to the caller rather than silently dropped.
type RestrictedError struct {
	UserID  string
	Feature string
	Reason  string
}

func (e *RestrictedError) Error() string {
	return fmt.Sprintf("user %s is restricted from %s: %s", e.UserID, e.Feature, e.Reason)
}

// IsRestricted reports whether err is (or wraps) a RestrictedError.
func IsRestricted(err error) bool {
	var re *RestrictedError
	return errors.As(err, &re)
}
