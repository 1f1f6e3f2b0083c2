// Package delivery executes the outbound side of the publication
// pipeline: it resolves the recipient set at send time, renders the
// guidance message per recipient, attempts transport, and appends one
// DeliveryEvent per recipient per attempt.
//
// Recipient addresses never leave this package in plain form: events and
// per-recipient errors carry an HMAC-SHA256 hash of the address, and log
// lines are redacted.
package delivery
