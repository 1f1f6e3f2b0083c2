package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/guidance-notifier/internal/domain"
)

// memEvents is an in-memory EventRecorder.
type memEvents struct {
	mu     sync.Mutex
	events []domain.DeliveryEvent
	fail   bool
}

func (m *memEvents) AppendEvent(_ context.Context, ev *domain.DeliveryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("event store unavailable")
	}
	m.events = append(m.events, *ev)
	return nil
}

func (m *memEvents) SentRecipientHashes(_ context.Context, pubID string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{})
	for _, ev := range m.events {
		if ev.PublicationID == pubID && ev.EventType == domain.DeliverySent {
			out[ev.RecipientHash] = struct{}{}
		}
	}
	return out, nil
}

func (m *memEvents) byType(t domain.DeliveryEventType) []domain.DeliveryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryEvent
	for _, ev := range m.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

// failingTransport rejects the recipients listed in reject.
type failingTransport struct {
	mu     sync.Mutex
	reject map[string]bool
	sent   []string
}

func (t *failingTransport) Send(_ context.Context, msg *OutboundMessage) (*SendOutcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reject[msg.Recipient] {
		return &SendOutcome{Accepted: false, Reason: "smtp 550"}, nil
	}
	t.sent = append(t.sent, msg.Recipient)
	return &SendOutcome{Accepted: true, MessageID: "mid-" + msg.Recipient, SentAt: time.Now()}, nil
}

func testMessage() *domain.GuidanceMessage {
	return &domain.GuidanceMessage{
		ID:             "msg-1",
		Title:          "Terms of Service change",
		Summary:        "The upload policy changed.",
		BodyMarkdown:   "Details of the change.",
		PlatformName:   "ExampleTube",
		UnsubscribeURL: "https://notify.example.com/unsubscribe",
		SenderAddress:  "guidance@example.com",
		SenderName:     "Guidance Team",
	}
}

func testPublication() *domain.GuidancePublication {
	return &domain.GuidancePublication{ID: "pub-1", MessageID: "msg-1"}
}

func newTestExecutor(transport Transport) *Executor {
	return NewExecutor(transport, NewRenderer(), NewHasher("test-secret"), nil, 2)
}

func TestDeliverAll(t *testing.T) {
	events := &memEvents{}
	transport := &failingTransport{}
	exec := newTestExecutor(transport)

	res, err := exec.Deliver(context.Background(), Request{
		Publication: testPublication(),
		Message:     testMessage(),
		Events:      events,
		Recipients:  []string{"a@example.com", "b@example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.False(t, res.Stopped)
	assert.Len(t, events.byType(domain.DeliverySent), 2)
}

func TestPartialFailureContinuesBatch(t *testing.T) {
	events := &memEvents{}
	transport := &failingTransport{reject: map[string]bool{"b@example.com": true}}
	exec := newTestExecutor(transport)

	res, err := exec.Deliver(context.Background(), Request{
		Publication: testPublication(),
		Message:     testMessage(),
		Events:      events,
		Recipients:  []string{"a@example.com", "b@example.com", "c@example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, events.byType(domain.DeliverySent), 2)
	assert.Len(t, events.byType(domain.DeliveryFailed), 1)
	assert.Len(t, res.Errors, 1, "failure keyed by recipient hash")
	for hash, reason := range res.Errors {
		assert.NotContains(t, hash, "@", "errors must never carry raw addresses")
		assert.Equal(t, "smtp 550", reason)
	}
}

func TestRerunSkipsAlreadySent(t *testing.T) {
	events := &memEvents{}
	transport := &failingTransport{reject: map[string]bool{"b@example.com": true}}
	exec := newTestExecutor(transport)

	req := Request{
		Publication: testPublication(),
		Message:     testMessage(),
		Events:      events,
		Recipients:  []string{"a@example.com", "b@example.com"},
	}

	_, err := exec.Deliver(context.Background(), req)
	require.NoError(t, err)

	// Second attempt: a@ was recorded sent and must not be re-sent.
	transport.reject = nil
	res, err := exec.Deliver(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Sent, "only the previously failed recipient is retried")
	assert.Len(t, events.byType(domain.DeliverySent), 2)
}

func TestRollbackStopsDispatch(t *testing.T) {
	events := &memEvents{}
	transport := &failingTransport{}
	// Serial fan-out so the stop point is deterministic.
	exec := NewExecutor(transport, NewRenderer(), NewHasher("test-secret"), nil, 1)

	var dispatched int
	res, err := exec.Deliver(context.Background(), Request{
		Publication: testPublication(),
		Message:     testMessage(),
		Events:      events,
		Recipients:  []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"},
		RollbackObserved: func(context.Context) bool {
			dispatched++
			return dispatched > 2 // rollback lands after two dispatches
		},
	})
	require.NoError(t, err)

	assert.True(t, res.Stopped)
	assert.Equal(t, 2, res.Sent, "in-flight sends complete, further dispatch stops")
}

func TestEventStoreFailureAbortsAttempt(t *testing.T) {
	events := &memEvents{fail: true}
	transport := &failingTransport{}
	exec := newTestExecutor(transport)

	_, err := exec.Deliver(context.Background(), Request{
		Publication: testPublication(),
		Message:     testMessage(),
		Events:      events,
		Recipients:  []string{"a@example.com"},
	})
	require.Error(t, err, "storage failures abort the attempt for queue retry")
}

func TestEventsCarryHashesNotAddresses(t *testing.T) {
	events := &memEvents{}
	exec := newTestExecutor(&failingTransport{})

	_, err := exec.Deliver(context.Background(), Request{
		Publication: testPublication(),
		Message:     testMessage(),
		Events:      events,
		Recipients:  []string{"person@example.com"},
	})
	require.NoError(t, err)

	sent := events.byType(domain.DeliverySent)
	require.Len(t, sent, 1)
	assert.NotContains(t, sent[0].RecipientHash, "@")
	assert.Equal(t, NewHasher("test-secret").Hash("person@example.com"), sent[0].RecipientHash)
}
