package publication

import (
	"context"
	"time"

	"github.com/ignite/guidance-notifier/internal/domain"
)

// Repository defines the data access contract for publication rows.
// Implementations must be safe for concurrent use, and every mutation
// below a read must be conditional so racing writers no-op cleanly.
type Repository interface {
	// Get returns a single publication. Returns ErrNotFound if it
	// doesn't exist.
	Get(ctx context.Context, id string) (*domain.GuidancePublication, error)

	// List returns publications ordered by scheduled_for DESC.
	List(ctx context.Context, filter ListFilter) ([]domain.GuidancePublication, int, error)

	// Create inserts a new publication in scheduled status.
	Create(ctx context.Context, p *domain.GuidancePublication) error

	// RecordGateOutcome persists the diagnostics of the latest gate
	// evaluation (nil failures clears them) and the attempt counter.
	RecordGateOutcome(ctx context.Context, id string, failedChecks []string, attempts int) error

	// UpdateCounts stores the post-batch delivery counters.
	UpdateCounts(ctx context.Context, id string, recipients, succeeded, failed int) error

	// OpenGraceWindow atomically records the first successful send:
	// it inserts the event and sets published_at, grace_period_ends_at,
	// can_rollback and status='grace-open' in one transaction,
	// conditional on published_at IS NULL. Returns false without error
	// when another writer already opened the window.
	OpenGraceWindow(ctx context.Context, id string, publishedAt, graceEndsAt time.Time, first *domain.DeliveryEvent) (bool, error)

	// Finalize transitions grace-open (or scheduled, for the
	// empty-audience case where no window ever opens) to finalized,
	// conditional on no rollback having been applied. Returns false
	// when the condition did not hold.
	Finalize(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkRolledBack applies the rollback, conditional on
	// rolled_back_at IS NULL and the window still being open (or not
	// yet opened). Returns false when the condition did not hold.
	MarkRolledBack(ctx context.Context, id, reason string, now time.Time) (bool, error)

	// Abandon transitions scheduled → failed-unsafe. Returns false
	// when the publication was not in scheduled status.
	Abandon(ctx context.Context, id string, now time.Time) (bool, error)
}

// ListFilter controls pagination and filtering for publication lists.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// EventStore is the append-only store for delivery events. It doubles
// as the rate-limit fact source: sent counts are queried from durable
// events rather than in-process counters, so restarts and multiple
// workers agree.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *domain.DeliveryEvent) error
	SentRecipientHashes(ctx context.Context, publicationID string) (map[string]struct{}, error)
	CountEventsByType(ctx context.Context, publicationID string) (map[domain.DeliveryEventType]int, error)
	CountSentEventsSince(ctx context.Context, since time.Time) (int, error)
	ListByPublication(ctx context.Context, publicationID string, limit int) ([]domain.DeliveryEvent, error)
}

// MessageStore reads approved guidance messages (read-only; authoring
// is upstream).
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*domain.GuidanceMessage, error)
	ListMessages(ctx context.Context, limit, offset int) ([]domain.GuidanceMessage, error)
}

// ApprovalStore looks up human approval records.
type ApprovalStore interface {
	ApprovalExists(ctx context.Context, messageID string) (bool, error)
}

// TestSendStore reports whether a test-mode publication of the message
// has a recorded published_at.
type TestSendStore interface {
	TestSendCompleted(ctx context.Context, messageID string) (bool, error)
}

// SegmentResolver resolves an audience segment to recipient addresses
// at send time. Membership changes between scheduling and sending are
// deliberately reflected (resolve-late).
type SegmentResolver interface {
	Resolve(ctx context.Context, segmentID string) ([]string, error)
}

// AuditLog records append-only audit entries.
type AuditLog interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
	ListByPublication(ctx context.Context, publicationID string) ([]domain.AuditEntry, error)
}

// Enqueuer schedules pipeline jobs. Enqueue is idempotent per
// (publication, kind) while a matching job is still pending.
type Enqueuer interface {
	EnqueueProcess(ctx context.Context, publicationID string, runAt time.Time) error
	EnqueueFinalize(ctx context.Context, publicationID string, runAt time.Time) error
	CancelPending(ctx context.Context, publicationID string) error
}
