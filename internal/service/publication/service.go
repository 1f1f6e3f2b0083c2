package publication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/guidance-notifier/internal/config"
	"github.com/ignite/guidance-notifier/internal/delivery"
	"github.com/ignite/guidance-notifier/internal/domain"
	"github.com/ignite/guidance-notifier/internal/safety"
)

// Service sequences the guarded publication lifecycle. All public
// methods are safe for concurrent use if the underlying stores are
// concurrency-safe; work on a single publication is additionally
// serialized by the worker's per-publication lock.
type Service struct {
	cfg       config.PublicationConfig
	repo      Repository
	events    EventStore
	messages  MessageStore
	approvals ApprovalStore
	testSends TestSendStore
	segments  SegmentResolver
	audit     AuditLog
	queue     Enqueuer
	executor  *delivery.Executor

	now func() time.Time
}

// NewService creates a publication service.
func NewService(cfg config.PublicationConfig, repo Repository, events EventStore,
	messages MessageStore, approvals ApprovalStore, testSends TestSendStore,
	segments SegmentResolver, audit AuditLog, queue Enqueuer, executor *delivery.Executor) *Service {
	return &Service{
		cfg:       cfg,
		repo:      repo,
		events:    events,
		messages:  messages,
		approvals: approvals,
		testSends: testSends,
		segments:  segments,
		audit:     audit,
		queue:     queue,
		executor:  executor,
		now:       time.Now,
	}
}

// ScheduleInput holds the fields for scheduling a publication.
type ScheduleInput struct {
	MessageID    string    `json:"message_id"`
	SegmentID    string    `json:"segment_id"`
	Channel      string    `json:"channel"`
	TestMode     bool      `json:"test_mode"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Actor        string    `json:"actor"`
}

// Schedule validates and persists a new publication and enqueues its
// processing job for the scheduled time. A publication may not be
// scheduled inside its own grace window.
func (s *Service) Schedule(ctx context.Context, input ScheduleInput) (*domain.GuidancePublication, error) {
	if _, err := s.messages.GetMessage(ctx, input.MessageID); err != nil {
		return nil, err
	}

	now := s.now()
	if input.ScheduledFor.Before(now.Add(s.cfg.GracePeriod())) {
		return nil, fmt.Errorf("%w: need at least %s of lead time", ErrInvalidSchedule, s.cfg.GracePeriod())
	}

	channel := input.Channel
	if channel == "" {
		channel = "email"
	}

	p := &domain.GuidancePublication{
		ID:           uuid.New().String(),
		MessageID:    input.MessageID,
		Channel:      channel,
		TestMode:     input.TestMode,
		Status:       domain.PublicationScheduled,
		ScheduledFor: input.ScheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if input.SegmentID != "" {
		p.SegmentID = &input.SegmentID
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create publication: %w", err)
	}

	s.recordAudit(ctx, p.ID, domain.AuditScheduled, input.Actor,
		fmt.Sprintf("scheduled for %s (test_mode=%v)", input.ScheduledFor.Format(time.RFC3339), input.TestMode))

	if err := s.queue.EnqueueProcess(ctx, p.ID, input.ScheduledFor); err != nil {
		return nil, fmt.Errorf("enqueue publication job: %w", err)
	}
	return p, nil
}

// Process runs one job attempt for a publication: gate evaluation, the
// test-group pre-send when needed, and the main delivery batch. It is
// idempotent with respect to already-recorded sent events, so the queue
// can re-run it freely.
func (s *Service) Process(ctx context.Context, publicationID string, attempt int) error {
	pub, err := s.repo.Get(ctx, publicationID)
	if err != nil {
		return err
	}
	if pub.IsTerminal() {
		// A rollback or finalize won the race; nothing left to do.
		return nil
	}

	now := s.now()
	msg, facts, verdict, err := s.evaluate(ctx, pub, now)
	if err != nil {
		return err
	}

	// A publication that already opened its window is past its gates;
	// the remaining work is completing the batch.
	if pub.PublishedAt == nil {
		if !verdict.Safe() {
			failed := verdict.FailedNames()
			if err := s.repo.RecordGateOutcome(ctx, pub.ID, failed, attempt); err != nil {
				return err
			}
			return &UnsafeError{FailedChecks: failed}
		}
		if err := s.repo.RecordGateOutcome(ctx, pub.ID, nil, attempt); err != nil {
			return err
		}

		// Test-group pre-send for full publications whose message has
		// no completed test send yet.
		if !pub.TestMode && !facts.TestSendCompleted {
			if err := s.preSendTestGroup(ctx, pub, msg); err != nil {
				return err
			}
		}
	}

	recipients, err := s.resolveRecipients(ctx, pub)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		// Empty audience: nothing to deliver, no window to offer.
		if ok, err := s.repo.Finalize(ctx, pub.ID, now); err != nil {
			return err
		} else if ok {
			s.recordAudit(ctx, pub.ID, domain.AuditFinalized, "scheduler", "no recipients resolved")
		}
		return nil
	}

	recorder := s.graceRecorder(pub.ID)
	res, err := s.executor.Deliver(ctx, delivery.Request{
		Publication:      pub,
		Message:          msg,
		Recipients:       recipients,
		Events:           recorder,
		RollbackObserved: s.rollbackObserver(pub.ID),
	})
	if err != nil {
		return err
	}

	counts, err := s.events.CountEventsByType(ctx, pub.ID)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateCounts(ctx, pub.ID, len(recipients),
		counts[domain.DeliverySent], counts[domain.DeliveryFailed]); err != nil {
		return err
	}

	if res.Stopped {
		s.recordAudit(ctx, pub.ID, domain.AuditBatchStopped, "scheduler",
			fmt.Sprintf("rollback observed after %d of %d dispatches", res.Sent+res.Failed+res.Skipped, res.Resolved))
		return nil
	}

	if end, opened := recorder.window(); opened {
		s.recordAudit(ctx, pub.ID, domain.AuditGraceOpened, "scheduler",
			fmt.Sprintf("grace window open until %s (sent=%d failed=%d)", end.Format(time.RFC3339), res.Sent, res.Failed))
		if err := s.queue.EnqueueFinalize(ctx, pub.ID, end); err != nil {
			return err
		}
		return nil
	}

	// Re-read: the window may have been opened by an earlier attempt or
	// a concurrent one. That attempt may have died before its finalize
	// job landed, so re-enqueue here; the pending-job uniqueness makes
	// this a no-op when the job already exists.
	cur, err := s.repo.Get(ctx, pub.ID)
	if err != nil {
		return err
	}
	if cur.PublishedAt != nil {
		if cur.GracePeriodEndsAt != nil {
			return s.queue.EnqueueFinalize(ctx, pub.ID, *cur.GracePeriodEndsAt)
		}
		return nil
	}

	// Not one recipient accepted: without a successful send no window
	// may open, so surface the attempt as failed for queue retry.
	return fmt.Errorf("delivery batch had no successful sends (%d failed)", res.Failed)
}

// Finalize closes the rollback window once it has elapsed. Losing the
// race against a rollback is a clean no-op.
func (s *Service) Finalize(ctx context.Context, publicationID string) error {
	pub, err := s.repo.Get(ctx, publicationID)
	if err != nil {
		return err
	}
	if pub.IsTerminal() || pub.GracePeriodEndsAt == nil {
		return nil
	}

	now := s.now()
	if now.Before(*pub.GracePeriodEndsAt) {
		// Fired early (clock skew, re-enqueue): push back to the boundary.
		return s.queue.EnqueueFinalize(ctx, publicationID, *pub.GracePeriodEndsAt)
	}

	ok, err := s.repo.Finalize(ctx, publicationID, now)
	if err != nil {
		return err
	}
	if ok {
		s.recordAudit(ctx, publicationID, domain.AuditFinalized, "scheduler", "grace window elapsed")
	}
	return nil
}

// Rollback permanently stops further delivery of a publication and
// records the operator's reason. Before the first send it cancels the
// pending jobs; during the grace window it wins or loses fairly against
// the scheduler's finalize via the conditional update.
func (s *Service) Rollback(ctx context.Context, publicationID, reason, actor string) (*domain.GuidancePublication, error) {
	pub, err := s.repo.Get(ctx, publicationID)
	if err != nil {
		return nil, err
	}
	if pub.RolledBackAt != nil {
		return nil, ErrAlreadyRolledBack
	}

	now := s.now()
	if pub.Status == domain.PublicationFinalized ||
		(pub.GracePeriodEndsAt != nil && !now.Before(*pub.GracePeriodEndsAt)) {
		return nil, ErrWindowExpired
	}

	ok, err := s.repo.MarkRolledBack(ctx, publicationID, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race since the read above; classify from current state.
		cur, err := s.repo.Get(ctx, publicationID)
		if err != nil {
			return nil, err
		}
		if cur.RolledBackAt != nil {
			return nil, ErrAlreadyRolledBack
		}
		return nil, ErrWindowExpired
	}

	if err := s.queue.CancelPending(ctx, publicationID); err != nil {
		log.Printf("[publication.Service] cancel pending jobs for %s: %v", publicationID, err)
	}
	s.recordAudit(ctx, publicationID, domain.AuditRolledBack, actor, reason)

	return s.repo.Get(ctx, publicationID)
}

// Abandon marks a repeatedly-unsafe scheduled publication as
// failed-unsafe. Re-issuing the guidance afterwards means scheduling a
// new publication, never reviving this one.
func (s *Service) Abandon(ctx context.Context, publicationID, reason, actor string) error {
	ok, err := s.repo.Abandon(ctx, publicationID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAbandonable
	}
	if err := s.queue.CancelPending(ctx, publicationID); err != nil {
		log.Printf("[publication.Service] cancel pending jobs for %s: %v", publicationID, err)
	}
	s.recordAudit(ctx, publicationID, domain.AuditAbandoned, actor, reason)
	return nil
}

// StatusReport is the operator view of one publication.
type StatusReport struct {
	Publication *domain.GuidancePublication      `json:"publication"`
	EventCounts map[domain.DeliveryEventType]int `json:"event_counts"`
	Events      []domain.DeliveryEvent           `json:"events"`
	CanRollback bool                             `json:"can_rollback"`
	Audit       []domain.AuditEntry              `json:"audit"`
}

// Status returns the current state, delivery counts, event history,
// rollback eligibility, and audit trail of a publication.
func (s *Service) Status(ctx context.Context, publicationID string) (*StatusReport, error) {
	pub, err := s.repo.Get(ctx, publicationID)
	if err != nil {
		return nil, err
	}
	counts, err := s.events.CountEventsByType(ctx, publicationID)
	if err != nil {
		return nil, err
	}
	history, err := s.events.ListByPublication(ctx, publicationID, 200)
	if err != nil {
		return nil, err
	}
	audit, err := s.audit.ListByPublication(ctx, publicationID)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Publication: pub,
		EventCounts: counts,
		Events:      history,
		CanRollback: safety.CanRollback(pub, s.now()),
		Audit:       audit,
	}, nil
}

// Preflight runs the full gate evaluation without sending anything,
// returning the per-check diagnostic list for approver review.
func (s *Service) Preflight(ctx context.Context, publicationID string) (*safety.Verdict, error) {
	pub, err := s.repo.Get(ctx, publicationID)
	if err != nil {
		return nil, err
	}
	_, _, verdict, err := s.evaluate(ctx, pub, s.now())
	if err != nil {
		return nil, err
	}
	return &verdict, nil
}

// List returns publications matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.GuidancePublication, int, error) {
	return s.repo.List(ctx, f)
}

// evaluate gathers facts and runs the gates once.
func (s *Service) evaluate(ctx context.Context, pub *domain.GuidancePublication, now time.Time) (*domain.GuidanceMessage, safety.Facts, safety.Verdict, error) {
	facts, err := safety.GatherFacts(ctx, s.factSource(), pub, s.cfg.RateWindow(), now)
	if err != nil {
		return nil, safety.Facts{}, safety.Verdict{}, fmt.Errorf("gather facts: %w", err)
	}
	return facts.Message, facts, safety.Evaluate(pub, s.cfg, facts, now), nil
}

// preSendTestGroup delivers to the configured validation list before
// the full audience. Events are recorded under this publication, so the
// main batch skips any test recipient that also belongs to the segment,
// and the pre-send never opens the grace window.
func (s *Service) preSendTestGroup(ctx context.Context, pub *domain.GuidancePublication, msg *domain.GuidanceMessage) error {
	res, err := s.executor.Deliver(ctx, delivery.Request{
		Publication: pub,
		Message:     msg,
		Recipients:  s.cfg.TestRecipients,
		Events:      plainRecorder{s.events},
	})
	if err != nil {
		return fmt.Errorf("test-group pre-send: %w", err)
	}
	s.recordAudit(ctx, pub.ID, domain.AuditTestSent, "scheduler",
		fmt.Sprintf("test group: sent=%d failed=%d", res.Sent, res.Failed))
	return nil
}

// resolveRecipients applies the resolve-late policy: the test list for
// test-mode runs, the segment membership at this instant otherwise.
func (s *Service) resolveRecipients(ctx context.Context, pub *domain.GuidancePublication) ([]string, error) {
	if pub.TestMode {
		return s.cfg.TestRecipients, nil
	}
	if pub.SegmentID == nil {
		return nil, fmt.Errorf("publication %s has no audience segment", pub.ID)
	}
	recipients, err := s.segments.Resolve(ctx, *pub.SegmentID)
	if err != nil {
		return nil, fmt.Errorf("resolve segment %s: %w", *pub.SegmentID, err)
	}
	return recipients, nil
}

// rollbackObserver polls the publication row for an applied rollback,
// with a short cache so a large fan-out doesn't hammer the store.
func (s *Service) rollbackObserver(publicationID string) func(ctx context.Context) bool {
	var mu sync.Mutex
	var lastCheck time.Time
	var rolledBack bool

	return func(ctx context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		if rolledBack {
			return true
		}
		if time.Since(lastCheck) < time.Second {
			return false
		}
		lastCheck = time.Now()
		pub, err := s.repo.Get(ctx, publicationID)
		if err != nil {
			return false
		}
		rolledBack = pub.RolledBackAt != nil
		return rolledBack
	}
}

func (s *Service) recordAudit(ctx context.Context, publicationID string, action domain.AuditAction, actor, detail string) {
	entry := &domain.AuditEntry{
		ID:            uuid.New().String(),
		PublicationID: publicationID,
		Action:        action,
		Actor:         actor,
		Detail:        detail,
		CreatedAt:     s.now(),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		log.Printf("[publication.Service] audit append (%s %s): %v", action, publicationID, err)
	}
}

func (s *Service) factSource() safety.FactSource {
	return factSource{s}
}

// factSource adapts the service's stores to safety.FactSource.
type factSource struct{ s *Service }

func (f factSource) GetMessage(ctx context.Context, messageID string) (*domain.GuidanceMessage, error) {
	return f.s.messages.GetMessage(ctx, messageID)
}

func (f factSource) ApprovalExists(ctx context.Context, messageID string) (bool, error) {
	return f.s.approvals.ApprovalExists(ctx, messageID)
}

func (f factSource) TestSendCompleted(ctx context.Context, messageID string) (bool, error) {
	return f.s.testSends.TestSendCompleted(ctx, messageID)
}

func (f factSource) CountSentEventsSince(ctx context.Context, since time.Time) (int, error) {
	return f.s.events.CountSentEventsSince(ctx, since)
}

// plainRecorder appends events without touching the grace window, for
// test-group pre-sends.
type plainRecorder struct{ events EventStore }

func (r plainRecorder) AppendEvent(ctx context.Context, ev *domain.DeliveryEvent) error {
	return r.events.AppendEvent(ctx, ev)
}

func (r plainRecorder) SentRecipientHashes(ctx context.Context, publicationID string) (map[string]struct{}, error) {
	return r.events.SentRecipientHashes(ctx, publicationID)
}

// graceRecorder opens the grace window atomically with the batch's
// first sent event. Cross-process safety comes from the conditional
// OpenGraceWindow update; the mutex only avoids duplicate attempts
// within this process.
type graceRecorder struct {
	s     *Service
	pubID string

	mu        sync.Mutex
	opened    bool
	windowEnd time.Time
}

func (s *Service) graceRecorder(pubID string) *graceRecorder {
	return &graceRecorder{s: s, pubID: pubID}
}

func (g *graceRecorder) AppendEvent(ctx context.Context, ev *domain.DeliveryEvent) error {
	if ev.EventType != domain.DeliverySent {
		return g.s.events.AppendEvent(ctx, ev)
	}

	g.mu.Lock()
	alreadyOpened := g.opened
	g.mu.Unlock()
	if alreadyOpened {
		return g.s.events.AppendEvent(ctx, ev)
	}

	end := safety.GraceWindow(ev.CreatedAt, g.s.cfg.GracePeriod())
	ok, err := g.s.repo.OpenGraceWindow(ctx, g.pubID, ev.CreatedAt, end, ev)
	if err != nil {
		return err
	}
	if !ok {
		// Another attempt opened the window first; record normally.
		return g.s.events.AppendEvent(ctx, ev)
	}

	g.mu.Lock()
	g.opened = true
	g.windowEnd = end
	g.mu.Unlock()
	return nil
}

func (g *graceRecorder) SentRecipientHashes(ctx context.Context, publicationID string) (map[string]struct{}, error) {
	return g.s.events.SentRecipientHashes(ctx, publicationID)
}

func (g *graceRecorder) window() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windowEnd, g.opened
}

var _ delivery.EventRecorder = (*graceRecorder)(nil)
var _ delivery.EventRecorder = plainRecorder{}

// ErrIs helpers re-exported for handler convenience.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) || errors.Is(err, ErrMessageNotFound) }
