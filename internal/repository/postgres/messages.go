package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/guidance-notifier/internal/domain"
	"github.com/ignite/guidance-notifier/internal/service/publication"
)

// MessageRepo implements publication.MessageStore against PostgreSQL.
// Messages are authored upstream; this repo only reads them, plus a
// Create used by the import tooling.
type MessageRepo struct{ db *sql.DB }

// NewMessageRepo creates a Postgres-backed guidance message store.
func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

func (r *MessageRepo) GetMessage(ctx context.Context, id string) (*domain.GuidanceMessage, error) {
	m := &domain.GuidanceMessage{}
	var related pq.StringArray
	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, summary, body_markdown, platform_name, related_changes,
		       COALESCE(unsubscribe_url,''), COALESCE(sender_address,''), COALESCE(sender_name,''),
		       created_at
		FROM guidance_messages
		WHERE id = $1
	`, id).Scan(
		&m.ID, &m.Title, &m.Summary, &m.BodyMarkdown, &m.PlatformName, &related,
		&m.UnsubscribeURL, &m.SenderAddress, &m.SenderName, &m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, publication.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	m.RelatedChanges = related
	return m, nil
}

func (r *MessageRepo) ListMessages(ctx context.Context, limit, offset int) ([]domain.GuidanceMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, summary, body_markdown, platform_name, related_changes,
		       COALESCE(unsubscribe_url,''), COALESCE(sender_address,''), COALESCE(sender_name,''),
		       created_at
		FROM guidance_messages
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.GuidanceMessage
	for rows.Next() {
		var m domain.GuidanceMessage
		var related pq.StringArray
		if err := rows.Scan(
			&m.ID, &m.Title, &m.Summary, &m.BodyMarkdown, &m.PlatformName, &related,
			&m.UnsubscribeURL, &m.SenderAddress, &m.SenderName, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.RelatedChanges = related
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateMessage inserts an authored message. Used by the import command,
// not by the pipeline itself.
func (r *MessageRepo) CreateMessage(ctx context.Context, m *domain.GuidanceMessage) error {
	related := m.RelatedChanges
	if related == nil {
		related = []string{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO guidance_messages
			(id, title, summary, body_markdown, platform_name, related_changes,
			 unsubscribe_url, sender_address, sender_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, m.ID, m.Title, m.Summary, m.BodyMarkdown, m.PlatformName, pq.Array(related),
		m.UnsubscribeURL, m.SenderAddress, m.SenderName)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}
