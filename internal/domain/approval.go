package domain

import "time"

// ApprovalDecision is the terminal outcome of a human review.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// ApprovalRecord records that a human explicitly approved or rejected a
// guidance message for publication. Records are immutable once created;
// changing a decision means writing a new record for a new message.
type ApprovalRecord struct {
	ID         string           `json:"id" db:"id"`
	MessageID  string           `json:"message_id" db:"message_id"`
	Decision   ApprovalDecision `json:"decision" db:"decision"`
	ApprovedBy string           `json:"approved_by" db:"approved_by"`
	Note       string           `json:"note" db:"note"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}
