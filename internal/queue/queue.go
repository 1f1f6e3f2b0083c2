package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the pipeline step a job runs.
type JobKind string

const (
	JobProcess  JobKind = "process"
	JobFinalize JobKind = "finalize"
)

// Job is one durable unit of pipeline work. Delivery is at-least-once:
// a crashed worker's claim goes stale and the job is claimed again, so
// every handler must be idempotent.
type Job struct {
	ID            string
	PublicationID string
	Kind          JobKind
	RunAt         time.Time
	Attempts      int
	LastError     string
	CreatedAt     time.Time
}

// MaxAttempts is the retry ceiling. A job that fails this many times is
// parked as dead and surfaces through the publication's diagnostics
// rather than retrying forever.
const MaxAttempts = 3

// staleClaim is how long a running job may hold its claim before
// another worker may steal it.
const staleClaim = 5 * time.Minute

// Backoff returns the delay before retry attempt n (1-based). Doubles
// each attempt from a one-minute base.
func Backoff(attempt int) time.Duration {
	d := time.Minute
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if d > 30*time.Minute {
		d = 30 * time.Minute
	}
	return d
}

// Store is a Postgres-backed job queue. It implements
// publication.Enqueuer for the service layer; the worker package drives
// Claim/Complete/Retry/Park.
type Store struct{ db *sql.DB }

// NewStore creates a job queue on the given database.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) enqueue(ctx context.Context, publicationID string, kind JobKind, runAt time.Time) error {
	// The partial unique index on (publication_id, kind) WHERE
	// status = 'pending' makes re-enqueues of the same step a no-op.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publication_jobs (id, publication_id, kind, status, run_at, attempts, created_at)
		VALUES ($1, $2, $3, 'pending', $4, 0, NOW())
		ON CONFLICT (publication_id, kind) WHERE status = 'pending'
		DO NOTHING
	`, uuid.New().String(), publicationID, kind, runAt)
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return nil
}

// EnqueueProcess schedules a delivery attempt for the publication.
func (s *Store) EnqueueProcess(ctx context.Context, publicationID string, runAt time.Time) error {
	return s.enqueue(ctx, publicationID, JobProcess, runAt)
}

// EnqueueFinalize schedules the grace-window close for the publication.
func (s *Store) EnqueueFinalize(ctx context.Context, publicationID string, runAt time.Time) error {
	return s.enqueue(ctx, publicationID, JobFinalize, runAt)
}

// CancelPending removes the publication's queued work. Jobs already
// running finish their attempt; the service's terminal-state check makes
// that attempt a no-op.
func (s *Store) CancelPending(ctx context.Context, publicationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publication_jobs
		SET status = 'cancelled', updated_at = NOW()
		WHERE publication_id = $1 AND status = 'pending'
	`, publicationID)
	if err != nil {
		return fmt.Errorf("cancel pending jobs: %w", err)
	}
	return nil
}

// Claim atomically takes up to limit due jobs for this worker. Stale
// claims from crashed workers are stolen after staleClaim.
func (s *Store) Claim(ctx context.Context, workerID string, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE publication_jobs
			SET status = 'running', worker_id = $1, locked_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT j.id FROM publication_jobs j
				WHERE (j.status = 'pending'
				       OR (j.status = 'running' AND j.locked_at < NOW() - ($3 * INTERVAL '1 second')))
				  AND j.run_at <= NOW()
				ORDER BY j.run_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, publication_id, kind, run_at, attempts, COALESCE(last_error,''), created_at
		)
		SELECT id, publication_id, kind, run_at, attempts, last_error, created_at FROM claimed
	`, workerID, limit, int(staleClaim.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.PublicationID, &j.Kind, &j.RunAt, &j.Attempts, &j.LastError, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Complete marks a claimed job done.
func (s *Store) Complete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publication_jobs SET status = 'done', updated_at = NOW() WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Retry returns a failed job to pending with its attempt counter bumped
// and the next run pushed out by the backoff schedule.
func (s *Store) Retry(ctx context.Context, jobID, lastError string, attempt int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publication_jobs
		SET status = 'pending', attempts = $1, last_error = $2,
		    run_at = NOW() + ($3 * INTERVAL '1 second'),
		    worker_id = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $4
	`, attempt, lastError, int(Backoff(attempt).Seconds()), jobID)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// Park marks a job dead after exhausting its retries. The publication
// keeps its diagnostics; an operator re-issues or abandons it.
func (s *Store) Park(ctx context.Context, jobID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publication_jobs
		SET status = 'dead', last_error = $1, updated_at = NOW()
		WHERE id = $2
	`, lastError, jobID)
	if err != nil {
		return fmt.Errorf("park job: %w", err)
	}
	return nil
}

// PendingCount reports queue depth for the health endpoint.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM publication_jobs WHERE status = 'pending'
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}
