package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/guidance-notifier/internal/domain"
	"github.com/ignite/guidance-notifier/internal/safety"
	"github.com/ignite/guidance-notifier/internal/service/publication"
)

type fakeService struct {
	scheduleErr error
	rollbackErr error
	abandonErr  error
	statusErr   error

	lastRollbackReason string
	lastActor          string
}

func (f *fakeService) Schedule(_ context.Context, input publication.ScheduleInput) (*domain.GuidancePublication, error) {
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	f.lastActor = input.Actor
	return &domain.GuidancePublication{
		ID:           "pub-1",
		MessageID:    input.MessageID,
		Status:       domain.PublicationScheduled,
		ScheduledFor: input.ScheduledFor,
	}, nil
}

func (f *fakeService) Rollback(_ context.Context, id, reason, actor string) (*domain.GuidancePublication, error) {
	if f.rollbackErr != nil {
		return nil, f.rollbackErr
	}
	f.lastRollbackReason = reason
	f.lastActor = actor
	return &domain.GuidancePublication{ID: id, Status: domain.PublicationRolledBack}, nil
}

func (f *fakeService) Abandon(_ context.Context, _, _, _ string) error { return f.abandonErr }

func (f *fakeService) Status(_ context.Context, id string) (*publication.StatusReport, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &publication.StatusReport{
		Publication: &domain.GuidancePublication{ID: id, Status: domain.PublicationGraceOpen},
		EventCounts: map[domain.DeliveryEventType]int{domain.DeliverySent: 3},
		CanRollback: true,
	}, nil
}

func (f *fakeService) Preflight(_ context.Context, _ string) (*safety.Verdict, error) {
	return &safety.Verdict{Checks: []safety.CheckResult{
		{Name: safety.CheckApprovalPresent, Passed: false, Reason: "no approval record"},
	}}, nil
}

func (f *fakeService) List(_ context.Context, _ publication.ListFilter) ([]domain.GuidancePublication, int, error) {
	return []domain.GuidancePublication{{ID: "pub-1"}}, 1, nil
}

type fakeMessages struct{ msgs map[string]*domain.GuidanceMessage }

func (f *fakeMessages) GetMessage(_ context.Context, id string) (*domain.GuidanceMessage, error) {
	m, ok := f.msgs[id]
	if !ok {
		return nil, publication.ErrMessageNotFound
	}
	return m, nil
}

func (f *fakeMessages) ListMessages(_ context.Context, _, _ int) ([]domain.GuidanceMessage, error) {
	var out []domain.GuidanceMessage
	for _, m := range f.msgs {
		out = append(out, *m)
	}
	return out, nil
}

type fakeApprovals struct{ recorded []domain.ApprovalRecord }

func (f *fakeApprovals) Record(_ context.Context, rec *domain.ApprovalRecord) error {
	f.recorded = append(f.recorded, *rec)
	return nil
}

type fakeSegments struct {
	segs         map[string]*domain.AudienceSegment
	unsubscribed map[string]string
}

func (f *fakeSegments) GetSegment(_ context.Context, id string) (*domain.AudienceSegment, error) {
	s, ok := f.segs[id]
	if !ok {
		return nil, publication.ErrSegmentNotFound
	}
	return s, nil
}

func (f *fakeSegments) Unsubscribe(_ context.Context, email, source string) error {
	f.unsubscribed[email] = source
	return nil
}

func newTestRouter(svc *fakeService) (http.Handler, *fakeApprovals) {
	router, approvals, _ := newTestRouterWithSegments(svc)
	return router, approvals
}

func newTestRouterWithSegments(svc *fakeService) (http.Handler, *fakeApprovals, *fakeSegments) {
	messages := &fakeMessages{msgs: map[string]*domain.GuidanceMessage{
		"msg-1": {ID: "msg-1", Title: "Policy update"},
	}}
	approvals := &fakeApprovals{}
	segments := &fakeSegments{
		segs: map[string]*domain.AudienceSegment{
			"seg-1": {ID: "seg-1", Name: "Monetized creators", Version: 3},
		},
		unsubscribed: map[string]string{},
	}
	h := NewHandlers(svc, messages, approvals, segments, nil)
	return SetupRoutes(h, nil), approvals, segments
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSchedulePublication(t *testing.T) {
	svc := &fakeService{}
	router, _ := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/api/publications", map[string]interface{}{
		"message_id":    "msg-1",
		"segment_id":    "seg-1",
		"scheduled_for": time.Now().Add(2 * time.Hour).Format(time.RFC3339),
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", svc.lastActor, "actor comes from the X-Actor header")

	var pub domain.GuidancePublication
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pub))
	assert.Equal(t, "pub-1", pub.ID)
}

func TestSchedulePublicationValidation(t *testing.T) {
	router, _ := newTestRouter(&fakeService{})

	rec := doJSON(t, router, http.MethodPost, "/api/publications", map[string]interface{}{
		"segment_id": "seg-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing message_id")

	rec = doJSON(t, router, http.MethodPost, "/api/publications", map[string]interface{}{
		"message_id": "msg-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing scheduled_for")
}

func TestScheduleInsideGracePeriod(t *testing.T) {
	svc := &fakeService{scheduleErr: publication.ErrInvalidSchedule}
	router, _ := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/api/publications", map[string]interface{}{
		"message_id":    "msg-1",
		"scheduled_for": time.Now().Add(time.Minute).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRollbackStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, http.StatusOK},
		{"not found", publication.ErrNotFound, http.StatusNotFound},
		{"already rolled back", publication.ErrAlreadyRolledBack, http.StatusConflict},
		{"window expired", publication.ErrWindowExpired, http.StatusGone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{rollbackErr: tt.err}
			router, _ := newTestRouter(svc)

			rec := doJSON(t, router, http.MethodPost, "/api/publications/pub-1/rollback",
				map[string]string{"reason": "mis-send"})
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRollbackRequiresReason(t *testing.T) {
	router, _ := newTestRouter(&fakeService{})

	rec := doJSON(t, router, http.MethodPost, "/api/publications/pub-1/rollback",
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPublicationStatus(t *testing.T) {
	router, _ := newTestRouter(&fakeService{})

	rec := doJSON(t, router, http.MethodGet, "/api/publications/pub-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var report publication.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.CanRollback)
	assert.Equal(t, 3, report.EventCounts[domain.DeliverySent])
}

func TestGetPublicationNotFound(t *testing.T) {
	svc := &fakeService{statusErr: publication.ErrNotFound}
	router, _ := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodGet, "/api/publications/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreflightReturnsChecks(t *testing.T) {
	router, _ := newTestRouter(&fakeService{})

	rec := doJSON(t, router, http.MethodGet, "/api/publications/pub-1/preflight", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Safe   bool                 `json:"safe"`
		Checks []safety.CheckResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Safe)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, safety.CheckApprovalPresent, resp.Checks[0].Name)
}

func TestRecordApproval(t *testing.T) {
	router, approvals := newTestRouter(&fakeService{})

	rec := doJSON(t, router, http.MethodPost, "/api/messages/msg-1/approvals",
		map[string]string{"decision": "approved", "note": "reviewed"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, approvals.recorded, 1)
	assert.Equal(t, domain.ApprovalApproved, approvals.recorded[0].Decision)
	assert.Equal(t, "alice", approvals.recorded[0].ApprovedBy)
}

func TestRecordApprovalBadDecision(t *testing.T) {
	router, _ := newTestRouter(&fakeService{})

	rec := doJSON(t, router, http.MethodPost, "/api/messages/msg-1/approvals",
		map[string]string{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordApprovalUnknownMessage(t *testing.T) {
	router, _ := newTestRouter(&fakeService{})

	rec := doJSON(t, router, http.MethodPost, "/api/messages/msg-404/approvals",
		map[string]string{"decision": "approved"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSegment(t *testing.T) {
	router, _, _ := newTestRouterWithSegments(&fakeService{})

	rec := doJSON(t, router, http.MethodGet, "/api/segments/seg-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var seg domain.AudienceSegment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &seg))
	assert.Equal(t, "Monetized creators", seg.Name)

	rec = doJSON(t, router, http.MethodGet, "/api/segments/seg-404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnsubscribe(t *testing.T) {
	router, _, segments := newTestRouterWithSegments(&fakeService{})

	rec := doJSON(t, router, http.MethodPost, "/api/unsubscribe",
		map[string]string{"email": "c1@example.com", "source": "email-footer"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "email-footer", segments.unsubscribed["c1@example.com"])

	rec = doJSON(t, router, http.MethodPost, "/api/unsubscribe", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing email")
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(&fakeService{})

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
