package domain

import (
	"time"
)

// PublicationStatus enumerates the persisted lifecycle states of a
// guidance publication. Gate evaluation and test sends are derived facts
// (gate diagnostics column, test-mode publication rows), not states.
type PublicationStatus string

const (
	PublicationScheduled  PublicationStatus = "scheduled"
	PublicationGraceOpen  PublicationStatus = "grace-open"
	PublicationFinalized  PublicationStatus = "finalized"
	PublicationRolledBack PublicationStatus = "rolled-back"
	PublicationFailed     PublicationStatus = "failed-unsafe"
)

// GuidancePublication is one scheduled delivery of one approved guidance
// message to one audience segment. It is created in 'scheduled' status by
// the authoring flow and mutated only by the publication service.
type GuidancePublication struct {
	ID        string  `json:"id" db:"id"`
	MessageID string  `json:"message_id" db:"message_id"`
	SegmentID *string `json:"segment_id" db:"segment_id"`
	Channel   string  `json:"channel" db:"channel"`
	TestMode  bool    `json:"test_mode" db:"test_mode"`

	Status       PublicationStatus `json:"status" db:"status"`
	ScheduledFor time.Time         `json:"scheduled_for" db:"scheduled_for"`
	PublishedAt  *time.Time        `json:"published_at" db:"published_at"`

	// Delivery counts, updated after each executor batch.
	Recipients int `json:"recipients" db:"recipients"`
	Succeeded  int `json:"succeeded" db:"succeeded"`
	Failed     int `json:"failed" db:"failed"`

	// Rollback window. GracePeriodEndsAt is set only with the first
	// successful full send; RolledBackAt set implies CanRollback false.
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at" db:"grace_period_ends_at"`
	CanRollback       bool       `json:"can_rollback" db:"can_rollback"`
	RolledBackAt      *time.Time `json:"rolled_back_at" db:"rolled_back_at"`
	RollbackReason    *string    `json:"rollback_reason" db:"rollback_reason"`

	// Diagnostics from the most recent unsafe gate verdict, kept so a
	// publication stuck on gate failures stays queryable.
	GateFailures []string `json:"gate_failures,omitempty" db:"gate_failures"`
	GateAttempts int      `json:"gate_attempts" db:"gate_attempts"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the publication is in a final state.
func (p *GuidancePublication) IsTerminal() bool {
	return p.Status == PublicationFinalized || p.Status == PublicationRolledBack ||
		p.Status == PublicationFailed
}

// RollbackEligible reports whether rollback is permitted at the given
// instant: never after a rollback, never before the grace window opens,
// never at or after the window boundary.
func (p *GuidancePublication) RollbackEligible(now time.Time) bool {
	return p.RolledBackAt == nil && p.GracePeriodEndsAt != nil && now.Before(*p.GracePeriodEndsAt)
}
