package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/guidance-notifier/internal/pkg/httpretry"
)

// WebhookTransport delivers webhook-channel publications by POSTing the
// rendered message to a partner endpoint. Transient upstream failures
// are retried with backoff inside the HTTP client; a final non-2xx is
// reported as a rejected outcome, not an error.
type WebhookTransport struct {
	client   httpretry.HTTPDoer
	endpoint string
	token    string
}

// NewWebhookTransport creates a webhook transport for the endpoint.
func NewWebhookTransport(endpoint, authToken string, maxRetries int) *WebhookTransport {
	return &WebhookTransport{
		client:   httpretry.NewRetryClient(nil, maxRetries),
		endpoint: endpoint,
		token:    authToken,
	}
}

type webhookPayload struct {
	PublicationID string `json:"publication_id"`
	Recipient     string `json:"recipient"`
	Subject       string `json:"subject"`
	HTML          string `json:"html"`
	Text          string `json:"text"`
	SentAt        string `json:"sent_at"`
}

func (t *WebhookTransport) Send(ctx context.Context, msg *OutboundMessage) (*SendOutcome, error) {
	now := time.Now()
	body, err := json.Marshal(webhookPayload{
		PublicationID: msg.PublicationID,
		Recipient:     msg.Recipient,
		Subject:       msg.Subject,
		HTML:          msg.HTML,
		Text:          msg.Text,
		SentAt:        now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &SendOutcome{Accepted: false, Reason: err.Error()}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &SendOutcome{Accepted: false, Reason: fmt.Sprintf("endpoint returned %d", resp.StatusCode)}, nil
	}
	return &SendOutcome{Accepted: true, MessageID: resp.Header.Get("X-Message-Id"), SentAt: now}, nil
}
