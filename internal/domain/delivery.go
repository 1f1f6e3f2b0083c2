package domain

import "time"

// DeliveryEventType enumerates the per-recipient lifecycle events recorded
// by the delivery executor and downstream webhook ingestion.
type DeliveryEventType string

const (
	DeliverySent      DeliveryEventType = "sent"
	DeliveryDelivered DeliveryEventType = "delivered"
	DeliveryBounced   DeliveryEventType = "bounced"
	DeliveryOpened    DeliveryEventType = "opened"
	DeliveryClicked   DeliveryEventType = "clicked"
	DeliveryFailed    DeliveryEventType = "failed"
)

// DeliveryEvent is one immutable fact about one recipient of one
// publication. RecipientHash is a one-way HMAC of the recipient address;
// the raw address is never persisted. Events are append-only and carry
// their own timestamp so total order can be reconstructed.
type DeliveryEvent struct {
	ID            string            `json:"id" db:"id"`
	PublicationID string            `json:"publication_id" db:"publication_id"`
	RecipientHash string            `json:"recipient_hash" db:"recipient_hash"`
	EventType     DeliveryEventType `json:"event_type" db:"event_type"`
	Detail        string            `json:"detail,omitempty" db:"detail"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// DeliveryResult summarizes one executor batch. Per-recipient errors are
// keyed by recipient hash, never by raw address.
type DeliveryResult struct {
	Resolved int               `json:"resolved"`
	Sent     int               `json:"sent"`
	Failed   int               `json:"failed"`
	Skipped  int               `json:"skipped"`
	Stopped  bool              `json:"stopped"`
	Errors   map[string]string `json:"errors,omitempty"`
}
