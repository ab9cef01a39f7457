// Package agent implements HTTP clients for the external collaborators of
// the autonomy core: the decision-making agent service and the outbound
// message delivery service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/threadworks/autonomy/pkg/models"
	"github.com/threadworks/autonomy/pkg/services"
)

// WebhookClient calls the agent service over JSON/HTTP. One POST per event;
// the response carries the committed checkpoint id and the effects that
// checkpoint produced.
type WebhookClient struct {
	handlerURL  string
	deliveryURL string
	httpClient  *http.Client
}

// NewWebhookClient creates a client for the given endpoints. handlerURL
// receives processed events; deliveryURL receives outbound messages.
func NewWebhookClient(handlerURL, deliveryURL string, timeout time.Duration) *WebhookClient {
	return &WebhookClient{
		handlerURL:  handlerURL,
		deliveryURL: deliveryURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// handleRequest is what the agent service receives per event. Metadata
// carries the autonomy section the collaborator folds into its checkpoint.
type handleRequest struct {
	Event    *models.Event  `json:"event"`
	Metadata map[string]any `json:"metadata"`
}

// handleResponse is the agent service's reply to a processed event.
type handleResponse struct {
	CheckpointID string                `json:"checkpoint_id"`
	Effects      []*models.EffectInput `json:"effects"`
}

// Handle posts the event to the agent service and decodes the resulting
// checkpoint and effects. Invoked under the EventQueue's per-session
// serialization, so the agent sees each session's events strictly in order.
func (c *WebhookClient) Handle(ctx context.Context, event *models.Event) (*services.AgentResult, error) {
	now := time.Now().UTC()
	req := handleRequest{
		Event: event,
		Metadata: models.SetAutonomyMetadata(nil, models.AutonomyMetadata{
			LastEventSeq:    event.Seq,
			LastEventType:   event.Type,
			LastProcessedAt: &now,
		}),
	}

	body, err := c.post(ctx, c.handlerURL, req)
	if err != nil {
		return nil, fmt.Errorf("agent handler call failed: %w", err)
	}

	var resp handleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}

	return &services.AgentResult{
		CheckpointID: resp.CheckpointID,
		Effects:      resp.Effects,
	}, nil
}

// sendMessageRequest is the delivery service's payload.
type sendMessageRequest struct {
	SessionKey models.SessionKey `json:"session_key"`
	Content    string            `json:"content"`
}

// SendMessage posts an outbound message to the delivery service.
func (c *WebhookClient) SendMessage(ctx context.Context, sessionKey models.SessionKey, content string) error {
	_, err := c.post(ctx, c.deliveryURL, sendMessageRequest{
		SessionKey: sessionKey,
		Content:    content,
	})
	if err != nil {
		return fmt.Errorf("message delivery call failed: %w", err)
	}
	return nil
}

func (c *WebhookClient) post(ctx context.Context, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 256))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
