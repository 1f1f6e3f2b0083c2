package worker

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/guidance-notifier/internal/queue"
	"github.com/ignite/guidance-notifier/internal/service/publication"
)

type fakeJobs struct {
	mu        sync.Mutex
	claimable []queue.Job
	completed []string
	retried   map[string]int // job ID -> attempt recorded on retry
	parked    []string
}

func newFakeJobs(jobs ...queue.Job) *fakeJobs {
	return &fakeJobs{claimable: jobs, retried: make(map[string]int)}
}

func (f *fakeJobs) Claim(_ context.Context, _ string, limit int) ([]queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claimable) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(f.claimable) {
		n = len(f.claimable)
	}
	out := f.claimable[:n]
	f.claimable = f.claimable[n:]
	return out, nil
}

func (f *fakeJobs) Complete(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeJobs) Retry(_ context.Context, jobID, _ string, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried[jobID] = attempt
	return nil
}

func (f *fakeJobs) Park(_ context.Context, jobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parked = append(f.parked, jobID)
	return nil
}

type fakePipeline struct {
	mu        sync.Mutex
	processed []string
	finalized []string
	err       error
}

func (f *fakePipeline) Process(_ context.Context, publicationID string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, publicationID)
	return f.err
}

func (f *fakePipeline) Finalize(_ context.Context, publicationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, publicationID)
	return f.err
}

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.MatchExpectationsInOrder(false)
	return db, mock, func() { db.Close() }
}

// newTestPool builds a pool wired for direct runJob calls, bypassing
// Start so tests stay deterministic.
func newTestPool(db *sql.DB, jobs JobSource, pipeline Pipeline) *Pool {
	p := NewPool(db, nil, jobs, pipeline, 1, 10*time.Millisecond, 3)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

func expectAdvisoryLock(mock sqlmock.Sqlmock, acquired bool) {
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(acquired))
	if acquired {
		mock.ExpectExec("SELECT pg_advisory_unlock").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func TestPoolStartStop(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO pipeline_workers").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE pipeline_workers").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool := NewPool(db, nil, newFakeJobs(), &fakePipeline{}, 2, 10*time.Millisecond, 3)
	pool.Start()

	pool.mu.RLock()
	running := pool.running
	pool.mu.RUnlock()
	if !running {
		t.Error("pool should be running after Start()")
	}

	pool.Stop()

	pool.mu.RLock()
	running = pool.running
	pool.mu.RUnlock()
	if running {
		t.Error("pool should not be running after Stop()")
	}
}

func TestRunJobCompletesOnSuccess(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	expectAdvisoryLock(mock, true)

	jobs := newFakeJobs()
	pipeline := &fakePipeline{}
	pool := newTestPool(db, jobs, pipeline)

	pool.runJob(0, queue.Job{ID: "job-1", PublicationID: "pub-1", Kind: queue.JobProcess})

	if len(pipeline.processed) != 1 || pipeline.processed[0] != "pub-1" {
		t.Errorf("processed = %v, want [pub-1]", pipeline.processed)
	}
	if len(jobs.completed) != 1 || jobs.completed[0] != "job-1" {
		t.Errorf("completed = %v, want [job-1]", jobs.completed)
	}
}

func TestRunJobRetriesUnsafeVerdict(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	expectAdvisoryLock(mock, true)

	jobs := newFakeJobs()
	pipeline := &fakePipeline{err: &publication.UnsafeError{FailedChecks: []string{"approval_present"}}}
	pool := newTestPool(db, jobs, pipeline)

	pool.runJob(0, queue.Job{ID: "job-1", PublicationID: "pub-1", Kind: queue.JobProcess, Attempts: 0})

	if got := jobs.retried["job-1"]; got != 1 {
		t.Errorf("retry attempt = %d, want 1", got)
	}
	if len(jobs.parked) != 0 {
		t.Errorf("parked = %v, want none before the ceiling", jobs.parked)
	}
}

func TestRunJobParksAtAttemptCeiling(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	expectAdvisoryLock(mock, true)

	jobs := newFakeJobs()
	pipeline := &fakePipeline{err: errors.New("segment resolver unavailable")}
	pool := newTestPool(db, jobs, pipeline)

	// Third attempt with a ceiling of three.
	pool.runJob(0, queue.Job{ID: "job-1", PublicationID: "pub-1", Kind: queue.JobProcess, Attempts: 2})

	if len(jobs.parked) != 1 || jobs.parked[0] != "job-1" {
		t.Errorf("parked = %v, want [job-1]", jobs.parked)
	}
	if _, ok := jobs.retried["job-1"]; ok {
		t.Error("job at the ceiling must be parked, not retried")
	}
}

func TestLockedPublicationRequeuedWithoutBurningAttempt(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	expectAdvisoryLock(mock, false)

	jobs := newFakeJobs()
	pipeline := &fakePipeline{}
	pool := newTestPool(db, jobs, pipeline)

	pool.runJob(0, queue.Job{ID: "job-1", PublicationID: "pub-1", Kind: queue.JobProcess, Attempts: 1})

	if len(pipeline.processed) != 0 {
		t.Error("pipeline must not run while another worker holds the publication")
	}
	if got := jobs.retried["job-1"]; got != 1 {
		t.Errorf("retry attempt = %d, want unchanged 1", got)
	}
}

func TestRunJobFinalizeKind(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	expectAdvisoryLock(mock, true)

	jobs := newFakeJobs()
	pipeline := &fakePipeline{}
	pool := newTestPool(db, jobs, pipeline)

	pool.runJob(0, queue.Job{ID: "job-2", PublicationID: "pub-1", Kind: queue.JobFinalize})

	if len(pipeline.finalized) != 1 {
		t.Errorf("finalized = %v, want [pub-1]", pipeline.finalized)
	}
}
