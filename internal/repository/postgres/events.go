package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/guidance-notifier/internal/domain"
)

// EventRepo implements publication.EventStore against PostgreSQL. The
// delivery_events table is append-only; the partial unique index on
// (publication_id, recipient_hash) for sent events backs up the
// executor's skip-already-sent check at the storage level.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed delivery event store.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

func (r *EventRepo) AppendEvent(ctx context.Context, ev *domain.DeliveryEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_events (id, publication_id, recipient_hash, event_type, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.PublicationID, ev.RecipientHash, ev.EventType, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append delivery event: %w", err)
	}
	return nil
}

func (r *EventRepo) SentRecipientHashes(ctx context.Context, publicationID string) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT recipient_hash FROM delivery_events
		WHERE publication_id = $1 AND event_type = $2
	`, publicationID, domain.DeliverySent)
	if err != nil {
		return nil, fmt.Errorf("load sent hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan sent hash: %w", err)
		}
		out[hash] = struct{}{}
	}
	return out, rows.Err()
}

func (r *EventRepo) CountEventsByType(ctx context.Context, publicationID string) (map[domain.DeliveryEventType]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM delivery_events
		WHERE publication_id = $1
		GROUP BY event_type
	`, publicationID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.DeliveryEventType]int)
	for rows.Next() {
		var t domain.DeliveryEventType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}

func (r *EventRepo) CountSentEventsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_events
		WHERE event_type = $1 AND created_at >= $2
	`, domain.DeliverySent, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent events: %w", err)
	}
	return n, nil
}

// ListByPublication returns the full event history of a publication,
// oldest first, for the status API.
func (r *EventRepo) ListByPublication(ctx context.Context, publicationID string, limit int) ([]domain.DeliveryEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, publication_id, recipient_hash, event_type, detail, created_at
		FROM delivery_events
		WHERE publication_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, publicationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryEvent
	for rows.Next() {
		var ev domain.DeliveryEvent
		if err := rows.Scan(&ev.ID, &ev.PublicationID, &ev.RecipientHash, &ev.EventType, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
