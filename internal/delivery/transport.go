package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// OutboundMessage is one fully-rendered message bound for one recipient.
type OutboundMessage struct {
	PublicationID string
	Channel       string
	Recipient     string
	FromName      string
	FromAddress   string
	Subject       string
	HTML          string
	Text          string
	Headers       map[string]string
}

// SendOutcome reports one transport attempt. A failed attempt is an
// outcome, not an error; Send returns an error only when the transport
// itself is unusable.
type SendOutcome struct {
	Accepted  bool
	MessageID string
	Reason    string
	SentAt    time.Time
}

// Transport delivers a single rendered message. Implementations must be
// safe for concurrent use; the executor fans out across goroutines.
type Transport interface {
	Send(ctx context.Context, msg *OutboundMessage) (*SendOutcome, error)
}

// LoopbackTransport accepts every message and records it in memory.
// Used in development mode and tests.
type LoopbackTransport struct {
	mu   sync.Mutex
	sent []OutboundMessage
}

// NewLoopbackTransport creates an in-memory transport.
func NewLoopbackTransport() *LoopbackTransport { return &LoopbackTransport{} }

// Send records the message and reports acceptance.
func (t *LoopbackTransport) Send(_ context.Context, msg *OutboundMessage) (*SendOutcome, error) {
	t.mu.Lock()
	t.sent = append(t.sent, *msg)
	n := len(t.sent)
	t.mu.Unlock()
	return &SendOutcome{
		Accepted:  true,
		MessageID: fmt.Sprintf("loopback-%d", n),
		SentAt:    time.Now(),
	}, nil
}

// Sent returns a copy of every message accepted so far.
func (t *LoopbackTransport) Sent() []OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OutboundMessage, len(t.sent))
	copy(out, t.sent)
	return out
}
