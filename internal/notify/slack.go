package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentconsole/agentconsole/internal/store"
)

// SlackHandler delivers events to a repository's Slack incoming
// webhook.
type SlackHandler struct {
	store  *store.Store
	client *http.Client
}

// NewSlackHandler creates the Slack sink.
func NewSlackHandler(st *store.Store) *SlackHandler {
	return &SlackHandler{
		store:  st,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// ID identifies this handler in the deduplication key.
func (h *SlackHandler) ID() string { return "slack" }

// CanHandle reports whether the repository has an enabled webhook
// integration.
func (h *SlackHandler) CanHandle(ctx context.Context, repositoryID string) (bool, error) {
	si, err := h.store.FindSlackIntegrationByRepository(ctx, repositoryID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return si.Enabled, nil
}

// Send posts the event to the repository's webhook URL.
func (h *SlackHandler) Send(ctx context.Context, repositoryID string, evt Event) error {
	si, err := h.store.FindSlackIntegrationByRepository(ctx, repositoryID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("[%s] %s (session %s, worker %s)",
			evt.Type, evt.Summary, evt.SessionID, evt.WorkerID),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, si.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
