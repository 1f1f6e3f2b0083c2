package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/guidance-notifier/internal/domain"
	"github.com/ignite/guidance-notifier/internal/service/publication"
)

// PublicationRepo implements publication.Repository against PostgreSQL.
// Every state transition is a conditional UPDATE so racing writers
// (rollback vs finalize, overlapping job attempts) resolve at the row.
type PublicationRepo struct{ db *sql.DB }

// NewPublicationRepo creates a Postgres-backed publication repository.
func NewPublicationRepo(db *sql.DB) *PublicationRepo { return &PublicationRepo{db: db} }

const publicationColumns = `
	id, message_id, segment_id, channel, test_mode, status, scheduled_for,
	published_at, recipients, succeeded, failed,
	grace_period_ends_at, can_rollback, rolled_back_at, rollback_reason,
	gate_failures, gate_attempts, created_at, updated_at`

func scanPublication(row interface{ Scan(...interface{}) error }) (*domain.GuidancePublication, error) {
	p := &domain.GuidancePublication{}
	var failures pq.StringArray
	err := row.Scan(
		&p.ID, &p.MessageID, &p.SegmentID, &p.Channel, &p.TestMode, &p.Status, &p.ScheduledFor,
		&p.PublishedAt, &p.Recipients, &p.Succeeded, &p.Failed,
		&p.GracePeriodEndsAt, &p.CanRollback, &p.RolledBackAt, &p.RollbackReason,
		&failures, &p.GateAttempts, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.GateFailures = failures
	return p, nil
}

func (r *PublicationRepo) Get(ctx context.Context, id string) (*domain.GuidancePublication, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+publicationColumns+`
		FROM guidance_publications
		WHERE id = $1
	`, id)
	p, err := scanPublication(row)
	if err == sql.ErrNoRows {
		return nil, publication.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get publication: %w", err)
	}
	return p, nil
}

func (r *PublicationRepo) List(ctx context.Context, f publication.ListFilter) ([]domain.GuidancePublication, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM guidance_publications`
	args := []interface{}{}
	if f.Status != "" {
		countQ += ` WHERE status = $1`
		args = append(args, f.Status)
	}
	var total int
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count publications: %w", err)
	}

	q := `SELECT` + publicationColumns + ` FROM guidance_publications`
	qArgs := []interface{}{}
	idx := 1
	if f.Status != "" {
		q += fmt.Sprintf(" WHERE status = $%d", idx)
		qArgs = append(qArgs, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY scheduled_for DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	qArgs = append(qArgs, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, qArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list publications: %w", err)
	}
	defer rows.Close()

	var out []domain.GuidancePublication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan publication: %w", err)
		}
		out = append(out, *p)
	}
	return out, total, rows.Err()
}

func (r *PublicationRepo) Create(ctx context.Context, p *domain.GuidancePublication) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO guidance_publications
			(id, message_id, segment_id, channel, test_mode, status,
			 scheduled_for, gate_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '{}', $8, $9)
	`, p.ID, p.MessageID, p.SegmentID, p.Channel, p.TestMode, p.Status,
		p.ScheduledFor, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

func (r *PublicationRepo) RecordGateOutcome(ctx context.Context, id string, failedChecks []string, attempts int) error {
	if failedChecks == nil {
		failedChecks = []string{}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE guidance_publications
		SET gate_failures = $1, gate_attempts = $2, updated_at = NOW()
		WHERE id = $3
	`, pq.Array(failedChecks), attempts, id)
	if err != nil {
		return fmt.Errorf("record gate outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return publication.ErrNotFound
	}
	return nil
}

func (r *PublicationRepo) UpdateCounts(ctx context.Context, id string, recipients, succeeded, failed int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE guidance_publications
		SET recipients = $1, succeeded = $2, failed = $3, updated_at = NOW()
		WHERE id = $4
	`, recipients, succeeded, failed, id)
	if err != nil {
		return fmt.Errorf("update counts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return publication.ErrNotFound
	}
	return nil
}

// OpenGraceWindow writes the first successful send and the window open in
// one transaction. The published_at IS NULL guard makes concurrent
// attempts converge: exactly one writer opens the window, the rest get
// (false, nil) and record their event through the plain path.
func (r *PublicationRepo) OpenGraceWindow(ctx context.Context, id string, publishedAt, graceEndsAt time.Time, first *domain.DeliveryEvent) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin grace window tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE guidance_publications
		SET status = $1, published_at = $2, grace_period_ends_at = $3,
		    can_rollback = TRUE, updated_at = NOW()
		WHERE id = $4 AND published_at IS NULL AND rolled_back_at IS NULL
	`, domain.PublicationGraceOpen, publishedAt, graceEndsAt, id)
	if err != nil {
		return false, fmt.Errorf("open grace window: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_events (id, publication_id, recipient_hash, event_type, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, first.ID, first.PublicationID, first.RecipientHash, first.EventType, first.Detail, first.CreatedAt); err != nil {
		return false, fmt.Errorf("insert first sent event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit grace window tx: %w", err)
	}
	return true, nil
}

func (r *PublicationRepo) Finalize(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE guidance_publications
		SET status = $1, can_rollback = FALSE, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5) AND rolled_back_at IS NULL
	`, domain.PublicationFinalized, now, id,
		domain.PublicationGraceOpen, domain.PublicationScheduled)
	if err != nil {
		return false, fmt.Errorf("finalize publication: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *PublicationRepo) MarkRolledBack(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE guidance_publications
		SET status = $1, rolled_back_at = $2, rollback_reason = $3,
		    can_rollback = FALSE, updated_at = $2
		WHERE id = $4
		  AND rolled_back_at IS NULL
		  AND status <> $5
		  AND (grace_period_ends_at IS NULL OR grace_period_ends_at > $2)
	`, domain.PublicationRolledBack, now, reason, id, domain.PublicationFinalized)
	if err != nil {
		return false, fmt.Errorf("mark rolled back: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *PublicationRepo) Abandon(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE guidance_publications
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, domain.PublicationFailed, now, id, domain.PublicationScheduled)
	if err != nil {
		return false, fmt.Errorf("abandon publication: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TestSendCompleted reports whether a test-mode publication of the message
// has actually gone out (published_at recorded, not rolled back).
func (r *PublicationRepo) TestSendCompleted(ctx context.Context, messageID string) (bool, error) {
	var done bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM guidance_publications
			WHERE message_id = $1 AND test_mode = TRUE
			  AND published_at IS NOT NULL AND rolled_back_at IS NULL
		)
	`, messageID).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("check test send: %w", err)
	}
	return done, nil
}
