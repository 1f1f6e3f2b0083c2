package domain

import "time"

// GuidanceMessage is an approved, ready-to-send guidance document produced
// by the upstream authoring flow. The pipeline consumes it read-only.
type GuidanceMessage struct {
	ID             string    `json:"id" db:"id"`
	Title          string    `json:"title" db:"title"`
	Summary        string    `json:"summary" db:"summary"`
	BodyMarkdown   string    `json:"body_markdown" db:"body_markdown"`
	PlatformName   string    `json:"platform_name" db:"platform_name"`
	RelatedChanges []string  `json:"related_changes" db:"related_changes"`
	UnsubscribeURL string    `json:"unsubscribe_url" db:"unsubscribe_url"`
	SenderAddress  string    `json:"sender_address" db:"sender_address"`
	SenderName     string    `json:"sender_name" db:"sender_name"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// HasComplianceFields reports whether the mandatory compliance metadata is
// present. A message without an unsubscribe reference or a sender address
// may never pass the consent gate.
func (m *GuidanceMessage) HasComplianceFields() bool {
	return m.UnsubscribeURL != "" && m.SenderAddress != ""
}
