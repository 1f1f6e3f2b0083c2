package delivery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/guidance-notifier/internal/domain"
)

// EventRecorder is the append-only sink for delivery events. The service
// layer injects a recorder whose first sent-event write also opens the
// grace window in the same transaction.
type EventRecorder interface {
	AppendEvent(ctx context.Context, ev *domain.DeliveryEvent) error
	SentRecipientHashes(ctx context.Context, publicationID string) (map[string]struct{}, error)
}

// Request describes one delivery batch. Recipients must already be
// resolved; the executor never looks up segment membership itself.
type Request struct {
	Publication *domain.GuidancePublication
	Message     *domain.GuidanceMessage
	Recipients  []string

	// Events receives one event per recipient per attempt. The service
	// layer passes different recorders for pre-sends (plain append) and
	// the main batch (first sent event opens the grace window).
	Events EventRecorder

	// RollbackObserved is polled between dispatches. Once it reports
	// true the executor stops handing out further sends; attempts
	// already in flight are not undone.
	RollbackObserved func(ctx context.Context) bool
}

// Executor fans a delivery batch out across a bounded number of
// goroutines, one transport attempt and one event per recipient.
type Executor struct {
	transport Transport
	renderer  *Renderer
	hasher    *Hasher
	throttle  *Throttle
	fanOut    int
}

// NewExecutor creates a delivery executor. throttle may be nil.
func NewExecutor(transport Transport, renderer *Renderer, hasher *Hasher, throttle *Throttle, fanOut int) *Executor {
	if fanOut <= 0 {
		fanOut = 10
	}
	return &Executor{
		transport: transport,
		renderer:  renderer,
		hasher:    hasher,
		throttle:  throttle,
		fanOut:    fanOut,
	}
}

// Deliver processes one batch. A single recipient's failure is recorded
// and counted without aborting the batch; only event-store write failures
// abort the attempt, so the queue's backoff can retry it. Recipients
// already recorded as sent for this publication are skipped, which makes
// re-runs of a partially completed batch safe.
func (e *Executor) Deliver(ctx context.Context, req Request) (*domain.DeliveryResult, error) {
	pub := req.Publication

	alreadySent, err := req.Events.SentRecipientHashes(ctx, pub.ID)
	if err != nil {
		return nil, fmt.Errorf("load sent hashes: %w", err)
	}

	result := &domain.DeliveryResult{
		Resolved: len(req.Recipients),
		Errors:   make(map[string]string),
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		stopped  atomic.Bool
		fatalErr atomic.Value
	)

	work := make(chan string)

	for i := 0; i < e.fanOut; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for recipient := range work {
				e.deliverOne(ctx, req, recipient, result, &mu, &fatalErr)
			}
		}()
	}

dispatch:
	for _, recipient := range req.Recipients {
		if ctx.Err() != nil || fatalErr.Load() != nil {
			break dispatch
		}
		if req.RollbackObserved != nil && req.RollbackObserved(ctx) {
			stopped.Store(true)
			break dispatch
		}

		hash := e.hasher.Hash(recipient)
		if _, done := alreadySent[hash]; done {
			mu.Lock()
			result.Skipped++
			mu.Unlock()
			continue
		}

		e.waitForThrottle(ctx, &stopped, req.RollbackObserved)
		if stopped.Load() {
			break dispatch
		}

		work <- recipient
	}
	close(work)
	wg.Wait()

	if err, ok := fatalErr.Load().(error); ok && err != nil {
		return nil, err
	}

	result.Stopped = stopped.Load()
	if result.Stopped {
		log.Printf("[Delivery] publication %s: batch stopped after %d sends (rollback observed)", pub.ID, result.Sent)
	}
	return result, nil
}

// deliverOne renders, sends, and records one recipient. Transport
// failures are local: counted, recorded, and the batch continues.
func (e *Executor) deliverOne(ctx context.Context, req Request, recipient string, result *domain.DeliveryResult, mu *sync.Mutex, fatalErr *atomic.Value) {
	pub, msg := req.Publication, req.Message
	hash := e.hasher.Hash(recipient)
	unsubURL := fmt.Sprintf("%s?r=%s", msg.UnsubscribeURL, hash)

	rendered, err := e.renderer.Render(msg, unsubURL)
	if err != nil {
		e.recordOutcome(ctx, req.Events, pub.ID, hash, domain.DeliveryFailed, err.Error(), result, mu, fatalErr)
		return
	}

	outcome, err := e.transport.Send(ctx, &OutboundMessage{
		PublicationID: pub.ID,
		Channel:       pub.Channel,
		Recipient:     recipient,
		FromName:      msg.SenderName,
		FromAddress:   msg.SenderAddress,
		Subject:       rendered.Subject,
		HTML:          rendered.HTML,
		Text:          rendered.Text,
	})
	if err != nil {
		e.recordOutcome(ctx, req.Events, pub.ID, hash, domain.DeliveryFailed, err.Error(), result, mu, fatalErr)
		return
	}
	if !outcome.Accepted {
		e.recordOutcome(ctx, req.Events, pub.ID, hash, domain.DeliveryFailed, outcome.Reason, result, mu, fatalErr)
		return
	}

	e.recordOutcome(ctx, req.Events, pub.ID, hash, domain.DeliverySent, outcome.MessageID, result, mu, fatalErr)
}

func (e *Executor) recordOutcome(ctx context.Context, events EventRecorder, pubID, hash string, eventType domain.DeliveryEventType, detail string, result *domain.DeliveryResult, mu *sync.Mutex, fatalErr *atomic.Value) {
	ev := &domain.DeliveryEvent{
		ID:            uuid.New().String(),
		PublicationID: pubID,
		RecipientHash: hash,
		EventType:     eventType,
		Detail:        detail,
		CreatedAt:     time.Now(),
	}
	if err := events.AppendEvent(ctx, ev); err != nil {
		// Storage failures are fatal to the attempt, never dropped.
		fatalErr.CompareAndSwap(nil, fmt.Errorf("append %s event: %w", eventType, err))
		return
	}

	mu.Lock()
	defer mu.Unlock()
	switch eventType {
	case domain.DeliverySent:
		result.Sent++
	case domain.DeliveryFailed:
		result.Failed++
		result.Errors[hash] = detail
	}
}

// waitForThrottle blocks until a send slot is available, the context
// ends, or a rollback is observed.
func (e *Executor) waitForThrottle(ctx context.Context, stopped *atomic.Bool, rollbackObserved func(ctx context.Context) bool) {
	for !e.throttle.Allow(ctx) {
		if rollbackObserved != nil && rollbackObserved(ctx) {
			stopped.Store(true)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
