package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/guidance-notifier/internal/domain"
	"github.com/ignite/guidance-notifier/internal/pkg/httputil"
	"github.com/ignite/guidance-notifier/internal/safety"
	"github.com/ignite/guidance-notifier/internal/service/publication"
)

// PipelineService is the publication service surface the handlers call.
type PipelineService interface {
	Schedule(ctx context.Context, input publication.ScheduleInput) (*domain.GuidancePublication, error)
	Rollback(ctx context.Context, publicationID, reason, actor string) (*domain.GuidancePublication, error)
	Abandon(ctx context.Context, publicationID, reason, actor string) error
	Status(ctx context.Context, publicationID string) (*publication.StatusReport, error)
	Preflight(ctx context.Context, publicationID string) (*safety.Verdict, error)
	List(ctx context.Context, f publication.ListFilter) ([]domain.GuidancePublication, int, error)
}

// ApprovalRecorder records human approval decisions.
type ApprovalRecorder interface {
	Record(ctx context.Context, rec *domain.ApprovalRecord) error
}

// SegmentStore is the audience surface the handlers call: segment
// definitions and the unsubscribe list that segment resolution honors.
type SegmentStore interface {
	GetSegment(ctx context.Context, id string) (*domain.AudienceSegment, error)
	Unsubscribe(ctx context.Context, email, source string) error
}

// Handlers holds the HTTP handlers for the pipeline API.
type Handlers struct {
	svc       PipelineService
	messages  publication.MessageStore
	approvals ApprovalRecorder
	segments  SegmentStore
	db        *sql.DB
	startTime time.Time
}

// NewHandlers creates the handler set. db may be nil; the health check
// then skips the database probe.
func NewHandlers(svc PipelineService, messages publication.MessageStore, approvals ApprovalRecorder, segments SegmentStore, db *sql.DB) *Handlers {
	return &Handlers{
		svc:       svc,
		messages:  messages,
		approvals: approvals,
		segments:  segments,
		db:        db,
		startTime: time.Now(),
	}
}

// HealthCheck reports process liveness and database reachability.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = "unreachable"
			httputil.JSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "ok"
	}
	httputil.OK(w, resp)
}

// SchedulePublication creates a new publication and queues its
// processing job.
func (h *Handlers) SchedulePublication(w http.ResponseWriter, r *http.Request) {
	var input publication.ScheduleInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	if input.MessageID == "" {
		httputil.BadRequest(w, "message_id is required")
		return
	}
	if input.ScheduledFor.IsZero() {
		httputil.BadRequest(w, "scheduled_for is required")
		return
	}
	input.Actor = actorFrom(r)

	pub, err := h.svc.Schedule(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, publication.ErrMessageNotFound):
			httputil.NotFound(w, err.Error())
		case errors.Is(err, publication.ErrInvalidSchedule):
			httputil.BadRequest(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
		return
	}
	httputil.Created(w, pub)
}

// ListPublications returns publications, optionally filtered by status.
func (h *Handlers) ListPublications(w http.ResponseWriter, r *http.Request) {
	f := publication.ListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	pubs, total, err := h.svc.List(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if pubs == nil {
		pubs = []domain.GuidancePublication{}
	}
	httputil.OK(w, map[string]interface{}{
		"publications": pubs,
		"total":        total,
	})
}

// GetPublication returns the full status report for one publication.
func (h *Handlers) GetPublication(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, publication.ErrNotFound) {
			httputil.NotFound(w, "publication not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, report)
}

// Preflight runs the safety gates without sending and returns the full
// per-check diagnostics.
func (h *Handlers) Preflight(w http.ResponseWriter, r *http.Request) {
	verdict, err := h.svc.Preflight(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, publication.ErrNotFound) || errors.Is(err, publication.ErrMessageNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"safe":   verdict.Safe(),
		"checks": verdict.Checks,
	})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

// Rollback permanently stops a publication. A repeat rollback is 409;
// a rollback after the grace window is 410.
func (h *Handlers) Rollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		httputil.BadRequest(w, "reason is required")
		return
	}

	pub, err := h.svc.Rollback(r.Context(), chi.URLParam(r, "id"), req.Reason, actorFrom(r))
	if err != nil {
		switch {
		case errors.Is(err, publication.ErrNotFound):
			httputil.NotFound(w, "publication not found")
		case errors.Is(err, publication.ErrAlreadyRolledBack):
			httputil.Conflict(w, err.Error())
		case errors.Is(err, publication.ErrWindowExpired):
			httputil.Gone(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
		return
	}
	httputil.OK(w, pub)
}

type abandonRequest struct {
	Reason string `json:"reason"`
}

// Abandon parks a repeatedly-unsafe scheduled publication.
func (h *Handlers) Abandon(w http.ResponseWriter, r *http.Request) {
	var req abandonRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	err := h.svc.Abandon(r.Context(), chi.URLParam(r, "id"), req.Reason, actorFrom(r))
	if err != nil {
		switch {
		case errors.Is(err, publication.ErrNotFound):
			httputil.NotFound(w, "publication not found")
		case errors.Is(err, publication.ErrNotAbandonable):
			httputil.Conflict(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
		return
	}
	httputil.NoContent(w)
}

// ListMessages returns the guidance messages available for publication.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.messages.ListMessages(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.GuidanceMessage{}
	}
	httputil.OK(w, map[string]interface{}{"messages": msgs})
}

// GetMessage returns one guidance message.
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, publication.ErrMessageNotFound) {
			httputil.NotFound(w, "message not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, msg)
}

type approvalRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

// RecordApproval records a human approval or rejection of a message.
func (h *Handlers) RecordApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	decision := domain.ApprovalDecision(req.Decision)
	if decision != domain.ApprovalApproved && decision != domain.ApprovalRejected {
		httputil.BadRequest(w, "decision must be 'approved' or 'rejected'")
		return
	}

	messageID := chi.URLParam(r, "id")
	if _, err := h.messages.GetMessage(r.Context(), messageID); err != nil {
		if errors.Is(err, publication.ErrMessageNotFound) {
			httputil.NotFound(w, "message not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	rec := &domain.ApprovalRecord{
		MessageID:  messageID,
		Decision:   decision,
		ApprovedBy: actorFrom(r),
		Note:       req.Note,
	}
	if err := h.approvals.Record(r.Context(), rec); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, rec)
}

// GetSegment returns an audience segment definition.
func (h *Handlers) GetSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := h.segments.GetSegment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, publication.ErrSegmentNotFound) {
			httputil.NotFound(w, "segment not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, seg)
}

type unsubscribeRequest struct {
	Email  string `json:"email"`
	Source string `json:"source"`
}

// Unsubscribe marks an address as unsubscribed across all segments.
// Resolution excludes it from every batch that runs afterwards.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.BadRequest(w, "email is required")
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}
	if err := h.segments.Unsubscribe(r.Context(), req.Email, source); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// actorFrom identifies the caller for audit entries. The gateway in
// front of the service sets X-Actor from the authenticated identity.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "operator"
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
