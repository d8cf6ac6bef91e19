package esp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/httpretry"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
)

// SendGridConfig configures the SendGrid adapter.
type SendGridConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// SendGridSender sends through the SendGrid v3 Mail Send API.
type SendGridSender struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  httpretry.HTTPDoer
	now     func() time.Time
}

// NewSendGridSender creates a SendGrid sender. A nil client uses a plain
// http.Client; retries are owned by the delivery engine.
func NewSendGridSender(cfg SendGridConfig, client httpretry.HTTPDoer) *SendGridSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sendgrid.com/v3"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &SendGridSender{apiKey: cfg.APIKey, baseURL: cfg.BaseURL, timeout: cfg.Timeout, client: client, now: time.Now}
}

// Name implements Sender.
func (s *SendGridSender) Name() domain.ESPType { return domain.ESPSendGrid }

// Send delivers one message. The message id travels in custom_args so
// webhook events can be correlated back.
func (s *SendGridSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, notConfigured(domain.ESPSendGrid)
	}

	personalization := map[string]interface{}{
		"to":          []map[string]string{{"email": msg.To}},
		"custom_args": sendgridCustomArgs(msg),
	}
	from := map[string]string{"email": msg.From}
	if msg.FromName != "" {
		from["name"] = msg.FromName
	}

	var content []map[string]string
	if msg.Text != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": msg.Text})
	}
	if msg.HTML != "" {
		content = append(content, map[string]string{"type": "text/html", "value": msg.HTML})
	}

	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{personalization},
		"from":             from,
		"subject":          msg.Subject,
		"content":          content,
	}
	if msg.ReplyTo != "" {
		payload["reply_to"] = map[string]string{"email": msg.ReplyTo}
	}
	if len(msg.Headers) > 0 {
		payload["headers"] = msg.Headers
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, Classify(ctx, domain.ESPSendGrid, fmt.Errorf("marshal: %w", err))
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/mail/send", bytes.NewReader(jsonData))
	if err != nil {
		return nil, Classify(ctx, domain.ESPSendGrid, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := doHTTP(ctx, s.client, domain.ESPSendGrid, req)
	if err != nil {
		return nil, err
	}

	// SendGrid answers 202 with an empty body; the id is only in a header.
	messageID := resp.header.Get("X-Message-Id")
	logger.Debug("sendgrid accepted message", "message_id", msg.MessageID, "provider_message_id", messageID, "to", msg.To)

	return &domain.SendResult{
		ProviderMessageID: messageID,
		RawResponse:       string(resp.body),
		StatusCode:        resp.status,
		ESPType:           domain.ESPSendGrid,
		SentAt:            s.now(),
	}, nil
}

func sendgridCustomArgs(msg *domain.EmailMessage) map[string]string {
	args := map[string]string{"message_id": msg.MessageID}
	if msg.TenantID != "" {
		args["tenant_id"] = msg.TenantID
	}
	if msg.BulkJobID != "" {
		args["bulk_job_id"] = msg.BulkJobID
	}
	return args
}
