package domain

import "time"

// AuditAction enumerates the pipeline actions recorded in the audit log.
type AuditAction string

const (
	AuditScheduled    AuditAction = "scheduled"
	AuditTestSent     AuditAction = "test_sent"
	AuditGraceOpened  AuditAction = "grace_opened"
	AuditFinalized    AuditAction = "finalized"
	AuditRolledBack   AuditAction = "rolled_back"
	AuditBatchStopped AuditAction = "batch_stopped"
	AuditAbandoned    AuditAction = "abandoned"
)

// AuditEntry is one append-only record of a pipeline action. Rollbacks
// carry the operator-supplied reason in Detail.
type AuditEntry struct {
	ID            string      `json:"id" db:"id"`
	PublicationID string      `json:"publication_id" db:"publication_id"`
	Action        AuditAction `json:"action" db:"action"`
	Actor         string      `json:"actor" db:"actor"`
	Detail        string      `json:"detail" db:"detail"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}
