package presence

import (
	"time"

	"github.com/amically/amity/internal/domain"
)

// Decay thresholds. A stored "online" fades to away and then offline as the
// owner's heartbeat stops arriving; "away" fades more slowly because the
// owner explicitly recorded the moment of leaving.
const (
	OnlineToAwayAfter    = 5 * time.Minute
	OnlineToOfflineAfter = 15 * time.Minute
	AwayToOfflineAfter   = 20 * time.Minute
)

// Project returns the status an observing client should report for a stored
// presence record. It is a pure read-time projection: identical inputs always
// yield the same result, and the stored record is never written back. Manual
// statuses (busy) never decay.
func Project(stored domain.StatusType, lastActiveAt, now time.Time) domain.StatusType {
	elapsed := now.Sub(lastActiveAt)

	switch stored {
	case domain.StatusBusy:
		return domain.StatusBusy
	case domain.StatusOnline:
		if elapsed > OnlineToOfflineAfter {
			return domain.StatusOffline
		}
		if elapsed > OnlineToAwayAfter {
			return domain.StatusAway
		}
		return domain.StatusOnline
	case domain.StatusAway:
		if elapsed > AwayToOfflineAfter {
			return domain.StatusOffline
		}
		return domain.StatusAway
	default:
		return domain.StatusOffline
	}
}
