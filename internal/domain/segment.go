package domain

import "time"

// AudienceSegment is a named, versioned selection criterion resolved to a
// recipient list at send time. Membership may change between a test send
// and the full send; resolve-late is deliberate, so the criterion string is
// what is stored, never a materialized list.
type AudienceSegment struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Version   int       `json:"version" db:"version"`
	Criteria  string    `json:"criteria" db:"criteria"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
