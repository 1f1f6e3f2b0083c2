package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/guidance-notifier/internal/domain"
)

// ApprovalRepo implements publication.ApprovalStore against PostgreSQL.
// Approval records are immutable; a rejection is a new row, never an
// update of an old one.
type ApprovalRepo struct{ db *sql.DB }

// NewApprovalRepo creates a Postgres-backed approval store.
func NewApprovalRepo(db *sql.DB) *ApprovalRepo { return &ApprovalRepo{db: db} }

// ApprovalExists reports whether the most recent decision for the
// message is an approval. A later rejection supersedes an earlier
// approval.
func (r *ApprovalRepo) ApprovalExists(ctx context.Context, messageID string) (bool, error) {
	var decision domain.ApprovalDecision
	err := r.db.QueryRowContext(ctx, `
		SELECT decision FROM guidance_approvals
		WHERE message_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, messageID).Scan(&decision)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check approval: %w", err)
	}
	return decision == domain.ApprovalApproved, nil
}

// Record writes a new approval decision.
func (r *ApprovalRepo) Record(ctx context.Context, rec *domain.ApprovalRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO guidance_approvals (id, message_id, decision, approved_by, note, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, rec.ID, rec.MessageID, rec.Decision, rec.ApprovedBy, rec.Note)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

// ListByMessage returns the decision history for a message, newest first.
func (r *ApprovalRepo) ListByMessage(ctx context.Context, messageID string) ([]domain.ApprovalRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, decision, approved_by, COALESCE(note,''), created_at
		FROM guidance_approvals
		WHERE message_id = $1
		ORDER BY created_at DESC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []domain.ApprovalRecord
	for rows.Next() {
		var rec domain.ApprovalRecord
		if err := rows.Scan(&rec.ID, &rec.MessageID, &rec.Decision, &rec.ApprovedBy, &rec.Note, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
