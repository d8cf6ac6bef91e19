// Package alert delivers operational alerts raised by the delivery engine.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/httpretry"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
)

// WebhookNotifier posts alerts as JSON to an incoming-webhook URL. The
// payload carries a preformatted "text" field so chat webhooks render it
// as-is, plus the structured alert.
type WebhookNotifier struct {
	url    string
	client httpretry.HTTPDoer
}

// NewWebhookNotifier posts to url through a retrying client.
func NewWebhookNotifier(url string, client httpretry.HTTPDoer) *WebhookNotifier {
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: 10 * time.Second}, 3)
	}
	return &WebhookNotifier{url: url, client: client}
}

type webhookPayload struct {
	Text  string       `json:"text"`
	Alert domain.Alert `json:"alert"`
}

// Notify implements delivery.Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, a domain.Alert) error {
	body, err := json.Marshal(webhookPayload{Text: Format(a), Alert: a})
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alert webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// LogNotifier writes alerts to the structured log. It is the fallback when
// no webhook is configured.
type LogNotifier struct{}

// Notify implements delivery.Notifier.
func (LogNotifier) Notify(_ context.Context, a domain.Alert) error {
	logger.Warn("alert raised", "type", a.Type, "severity", a.Severity, "message", a.Message, "details", a.Details)
	return nil
}

// Format renders an alert as a short plain-text block.
func Format(a domain.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(a.Severity), a.Message)
	fmt.Fprintf(&b, "Type:     %s\n", a.Type)
	fmt.Fprintf(&b, "Raised:   %s\n", a.CreatedAt.UTC().Format(time.RFC3339))

	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, a.Details[k])
	}
	return b.String()
}
