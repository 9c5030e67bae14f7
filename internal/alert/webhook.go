package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dwsmith1983/ferry/pkg/types"
)

const (
	webhookTimeout  = 10 * time.Second
	webhookErrBytes = 512
)

// webhookPayload is the alert plus a one-line summary in "text", which chat
// incoming-webhooks render directly.
type webhookPayload struct {
	Text string `json:"text"`
	types.Alert
}

// WebhookSink posts alerts as JSON to a URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a new webhook alert sink.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: webhookTimeout}}
}

// Name returns the sink identifier.
func (s *WebhookSink) Name() string { return "webhook" }

// Send posts the alert. Any non-2xx response is an error carrying the
// start of the response body.
func (s *WebhookSink) Send(ctx context.Context, alert types.Alert) error {
	data, err := json.Marshal(webhookPayload{Text: summary(alert), Alert: alert})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ferry-Level", string(alert.Level))
	if alert.ExecutionID != "" {
		req.Header.Set("X-Ferry-Execution", alert.ExecutionID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, webhookErrBytes))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// summary renders "[level] project/execution stage: message".
func summary(a types.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", a.Level)
	if a.ProjectID != "" || a.ExecutionID != "" {
		b.WriteString(" " + strings.Trim(a.ProjectID+"/"+a.ExecutionID, "/"))
	}
	if a.StageID != "" {
		b.WriteString(" " + a.StageID.Name())
	}
	b.WriteString(": " + a.Message)
	return b.String()
}
