package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/guidance-notifier/internal/domain"
)

// AuditRepo implements publication.AuditLog against PostgreSQL. The
// table is append-only; there is no update or delete path.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo creates a Postgres-backed audit log.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) Append(ctx context.Context, entry *domain.AuditEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO publication_audit (id, publication_id, action, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.PublicationID, entry.Action, entry.Actor, entry.Detail, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepo) ListByPublication(ctx context.Context, publicationID string) ([]domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, publication_id, action, actor, COALESCE(detail,''), created_at
		FROM publication_audit
		WHERE publication_id = $1
		ORDER BY created_at ASC
	`, publicationID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.PublicationID, &e.Action, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
