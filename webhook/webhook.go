package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CrashPayload represents the webhook payload for an unexpected sidecar exit
type CrashPayload struct {
	Sidecar   string    `json:"sidecar"`
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
	ExitCode  *int      `json:"exit_code"` // null when killed by a signal
	Uptime    float64   `json:"uptime_seconds"`
}

// Notifier handles webhook notifications
type Notifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewNotifier creates a new webhook notifier. An empty URL disables it.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		enabled:    webhookURL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a webhook URL is configured
func (n *Notifier) Enabled() bool {
	return n.enabled
}

// NotifyCrash sends a crash notification to the webhook
func (n *Notifier) NotifyCrash(ctx context.Context, payload CrashPayload) error {
	if !n.enabled {
		return nil // Webhook disabled
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sidecar-manager/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}

	return nil
}
