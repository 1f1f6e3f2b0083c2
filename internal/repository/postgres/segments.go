package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/guidance-notifier/internal/domain"
	"github.com/ignite/guidance-notifier/internal/service/publication"
)

// SegmentRepo implements publication.SegmentResolver against PostgreSQL.
// Membership is read at call time, never cached: the audience of a
// publication is whoever matches when the batch actually runs.
type SegmentRepo struct{ db *sql.DB }

// NewSegmentRepo creates a Postgres-backed segment resolver.
func NewSegmentRepo(db *sql.DB) *SegmentRepo { return &SegmentRepo{db: db} }

// Resolve returns the current active members of a segment, excluding
// anyone with an active unsubscribe.
func (r *SegmentRepo) Resolve(ctx context.Context, segmentID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.email
		FROM guidance_segment_members m
		WHERE m.segment_id = $1 AND m.active = TRUE
		  AND NOT EXISTS (
		      SELECT 1 FROM guidance_unsubscribes u
		      WHERE u.email = m.email AND u.active = TRUE
		  )
		ORDER BY m.email
	`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("resolve segment: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

// GetSegment returns the segment definition.
func (r *SegmentRepo) GetSegment(ctx context.Context, id string) (*domain.AudienceSegment, error) {
	s := &domain.AudienceSegment{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, version, criteria, created_at, updated_at
		FROM guidance_segments
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.Version, &s.Criteria, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, publication.ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return s, nil
}

// Unsubscribe marks an address as unsubscribed across all segments.
func (r *SegmentRepo) Unsubscribe(ctx context.Context, email, source string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO guidance_unsubscribes (email, source, active, created_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (email) DO UPDATE SET active = TRUE, source = $2
	`, email, source)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}
