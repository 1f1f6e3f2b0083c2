package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/guidance-notifier/internal/config"
	"github.com/ignite/guidance-notifier/internal/domain"
)

func strictPolicy() config.PublicationConfig {
	return config.PublicationConfig{
		GracePeriodMinutes: 5,
		RequireApproval:    true,
		RequireRollback:    true,
		RequireTestSend:    true,
		RateLimitPerHour:   100,
		RateWindowMinutes:  60,
	}
}

func schedulablePub(now time.Time) *domain.GuidancePublication {
	return &domain.GuidancePublication{
		ID:           "pub-1",
		MessageID:    "msg-1",
		Status:       domain.PublicationScheduled,
		CreatedAt:    now.Add(-10 * time.Minute),
		ScheduledFor: now,
	}
}

func passingFacts() Facts {
	return Facts{
		Message: &domain.GuidanceMessage{
			ID:             "msg-1",
			Title:          "Policy update",
			UnsubscribeURL: "https://example.com/unsubscribe",
			SenderAddress:  "guidance@example.com",
		},
		ApprovalPresent:   true,
		TestSendCompleted: true,
		RecentSentCount:   3,
	}
}

func TestAllChecksPass(t *testing.T) {
	now := time.Now()
	v := Evaluate(schedulablePub(now), strictPolicy(), passingFacts(), now)

	assert.True(t, v.Safe())
	assert.Empty(t, v.Failed())
	assert.Len(t, v.Checks, 10, "every check must report, pass or fail")
}

func TestEvaluateIsDeterministic(t *testing.T) {
	now := time.Now()
	pub := schedulablePub(now)
	facts := passingFacts()
	facts.ApprovalPresent = false

	first := Evaluate(pub, strictPolicy(), facts, now)
	second := Evaluate(pub, strictPolicy(), facts, now)

	require.Equal(t, first, second, "identical inputs must yield identical verdicts")
}

func TestMissingApprovalFailsExactlyOneCheck(t *testing.T) {
	now := time.Now()
	facts := passingFacts()
	facts.ApprovalPresent = false

	v := Evaluate(schedulablePub(now), strictPolicy(), facts, now)

	assert.False(t, v.Safe())
	failed := v.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, CheckApprovalPresent, failed[0].Name)
}

func TestApprovalNotRequired(t *testing.T) {
	now := time.Now()
	cfg := strictPolicy()
	cfg.RequireApproval = false
	facts := passingFacts()
	facts.ApprovalPresent = false

	v := Evaluate(schedulablePub(now), cfg, facts, now)
	assert.True(t, v.Safe())
}

func TestScheduledInsideGraceWindowFails(t *testing.T) {
	now := time.Now()
	pub := schedulablePub(now)
	pub.CreatedAt = now.Add(-2 * time.Minute)
	pub.ScheduledFor = now // only 2m of lead against a 5m grace period

	v := Evaluate(pub, strictPolicy(), passingFacts(), now)

	failed := v.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, CheckGraceFeasible, failed[0].Name)
}

func TestTestModeSkipsTestSendPrecondition(t *testing.T) {
	now := time.Now()
	pub := schedulablePub(now)
	pub.TestMode = true
	facts := passingFacts()
	facts.TestSendCompleted = false

	v := Evaluate(pub, strictPolicy(), facts, now)
	assert.True(t, v.Safe())
}

func TestMissingTestSendFails(t *testing.T) {
	now := time.Now()
	facts := passingFacts()
	facts.TestSendCompleted = false

	v := Evaluate(schedulablePub(now), strictPolicy(), facts, now)

	failed := v.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, CheckTestSendDone, failed[0].Name)
}

func TestRollbackForfeitedFails(t *testing.T) {
	now := time.Now()

	t.Run("already rolled back", func(t *testing.T) {
		pub := schedulablePub(now)
		rb := now.Add(-time.Minute)
		pub.RolledBackAt = &rb

		v := Evaluate(pub, strictPolicy(), passingFacts(), now)
		failed := v.Failed()
		require.Len(t, failed, 1)
		assert.Equal(t, CheckRollbackReady, failed[0].Name)
	})

	t.Run("window expired", func(t *testing.T) {
		pub := schedulablePub(now)
		end := now.Add(-time.Second)
		pub.GracePeriodEndsAt = &end

		v := Evaluate(pub, strictPolicy(), passingFacts(), now)
		failed := v.Failed()
		require.Len(t, failed, 1)
		assert.Equal(t, CheckRollbackReady, failed[0].Name)
	})

	t.Run("window not yet open counts as available", func(t *testing.T) {
		v := Evaluate(schedulablePub(now), strictPolicy(), passingFacts(), now)
		assert.True(t, v.Safe())
	})
}

func TestMissingComplianceFieldsFail(t *testing.T) {
	now := time.Now()
	facts := passingFacts()
	facts.Message.UnsubscribeURL = ""

	v := Evaluate(schedulablePub(now), strictPolicy(), facts, now)

	failed := v.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, CheckCompliance, failed[0].Name)
}

func TestRateLimitAtCeilingFails(t *testing.T) {
	now := time.Now()
	facts := passingFacts()
	facts.RecentSentCount = 100 // meets the ceiling of 100

	v := Evaluate(schedulablePub(now), strictPolicy(), facts, now)

	failed := v.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, CheckRateLimit, failed[0].Name)
}

func TestRateLimitFailsOpenOnLookupError(t *testing.T) {
	now := time.Now()
	facts := passingFacts()
	facts.RateLookupFailed = true
	facts.RecentSentCount = 0

	v := Evaluate(schedulablePub(now), strictPolicy(), facts, now)

	assert.True(t, v.Safe(), "lookup failure must not block the publication")
	for _, c := range v.Checks {
		if c.Name == CheckRateLimit {
			assert.True(t, c.Passed)
			assert.Contains(t, c.Reason, "failing open")
		}
	}
}

func TestRateLookupFailureLeavesOtherChecksUntouched(t *testing.T) {
	now := time.Now()
	facts := passingFacts()
	facts.ApprovalPresent = false
	facts.RateLookupFailed = true

	v := Evaluate(schedulablePub(now), strictPolicy(), facts, now)

	failed := v.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, CheckApprovalPresent, failed[0].Name)
}
