package safety

// CheckName identifies one safety check in diagnostics output.
type CheckName string

const (
	CheckApprovalPresent  CheckName = "approval_present"
	CheckGraceFeasible    CheckName = "grace_period_feasible"
	CheckTestSendDone     CheckName = "test_send_completed"
	CheckRollbackReady    CheckName = "rollback_available"
	CheckCompliance       CheckName = "compliance_fields"
	CheckRateLimit        CheckName = "rate_limit"
	CheckAccessControl    CheckName = "access_control"
	CheckAuditLogging     CheckName = "audit_logging"
	CheckBackupPolicy     CheckName = "backup_policy"
	CheckHealthMonitoring CheckName = "health_monitoring"
)

// CheckResult is the outcome of a single named check.
type CheckResult struct {
	Name   CheckName `json:"name"`
	Passed bool      `json:"passed"`
	Reason string    `json:"reason"`
}

// Verdict is the aggregate outcome of one evaluation. Checks appear in
// the canonical order regardless of outcome; ordering is for diagnostics
// only and never affects Safe().
type Verdict struct {
	Checks []CheckResult `json:"checks"`
}

// Safe reports whether every check passed.
func (v Verdict) Safe() bool {
	for _, c := range v.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Failed returns the failing checks, preserving canonical order.
func (v Verdict) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range v.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// FailedNames returns just the names of failing checks, for persistence
// on the publication row.
func (v Verdict) FailedNames() []string {
	var out []string
	for _, c := range v.Failed() {
		out = append(out, string(c.Name))
	}
	return out
}
