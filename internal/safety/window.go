package safety

import (
	"time"

	"github.com/ignite/guidance-notifier/internal/domain"
)

// CanRollback is the single rollback-window predicate: a publication can
// be rolled back while it has not been rolled back already, its grace
// window has opened, and the given instant is strictly before the window
// boundary. A request at exactly the boundary is refused.
//
// The window opens only on the first successful send of the full
// (non-test) delivery, never at schedule time and never at test-send
// time; see GraceWindow.
func CanRollback(pub *domain.GuidancePublication, now time.Time) bool {
	return pub.RolledBackAt == nil &&
		pub.GracePeriodEndsAt != nil &&
		now.Before(*pub.GracePeriodEndsAt)
}

// GraceWindow computes the window boundary for a delivery whose first
// successful send happened at sentAt.
func GraceWindow(sentAt time.Time, grace time.Duration) time.Time {
	return sentAt.Add(grace)
}
