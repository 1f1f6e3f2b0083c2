package safety

import (
	"context"
	"time"

	"github.com/ignite/guidance-notifier/internal/domain"
)

// Facts are the supporting inputs a gate evaluation reads. They are
// gathered up front so Evaluate itself stays pure and repeatable.
type Facts struct {
	// Message is the approved message the publication references.
	Message *domain.GuidanceMessage

	// ApprovalPresent is true when an approved ApprovalRecord exists
	// for the message.
	ApprovalPresent bool

	// TestSendCompleted is true when a prior test-mode publication of
	// the same message has a recorded published_at.
	TestSendCompleted bool

	// RecentSentCount is the number of sent events across all
	// publications within the trailing rate window.
	RecentSentCount int

	// RateLookupFailed marks the count above as unavailable. The rate
	// limit check fails open on lookup errors: availability is favored
	// over strict throttling, and the gap is reported in the reason.
	RateLookupFailed bool
}

// FactSource is the read-only contract the gatherer pulls facts from.
type FactSource interface {
	GetMessage(ctx context.Context, messageID string) (*domain.GuidanceMessage, error)
	ApprovalExists(ctx context.Context, messageID string) (bool, error)
	TestSendCompleted(ctx context.Context, messageID string) (bool, error)
	CountSentEventsSince(ctx context.Context, since time.Time) (int, error)
}

// GatherFacts loads the supporting facts for one publication. Only the
// rate-limit lookup is allowed to fail softly (recorded in
// RateLookupFailed); every other error aborts the job attempt so the
// queue can retry it.
func GatherFacts(ctx context.Context, src FactSource, pub *domain.GuidancePublication, window time.Duration, now time.Time) (Facts, error) {
	var facts Facts

	msg, err := src.GetMessage(ctx, pub.MessageID)
	if err != nil {
		return facts, err
	}
	facts.Message = msg

	approved, err := src.ApprovalExists(ctx, pub.MessageID)
	if err != nil {
		return facts, err
	}
	facts.ApprovalPresent = approved

	if pub.TestMode {
		facts.TestSendCompleted = true
	} else {
		done, err := src.TestSendCompleted(ctx, pub.MessageID)
		if err != nil {
			return facts, err
		}
		facts.TestSendCompleted = done
	}

	count, err := src.CountSentEventsSince(ctx, now.Add(-window))
	if err != nil {
		facts.RateLookupFailed = true
	} else {
		facts.RecentSentCount = count
	}

	return facts, nil
}
