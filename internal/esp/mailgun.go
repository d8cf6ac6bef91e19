package esp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/httpretry"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
)

// MailgunConfig configures the Mailgun adapter.
type MailgunConfig struct {
	APIKey  string
	Domain  string
	BaseURL string
	Timeout time.Duration
}

// MailgunSender sends through the Mailgun Messages API.
type MailgunSender struct {
	apiKey  string
	domain  string
	baseURL string
	timeout time.Duration
	client  httpretry.HTTPDoer
	now     func() time.Time
}

// NewMailgunSender creates a Mailgun sender for the configured domain.
func NewMailgunSender(cfg MailgunConfig, client httpretry.HTTPDoer) *MailgunSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mailgun.net/v3"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &MailgunSender{
		apiKey:  cfg.APIKey,
		domain:  cfg.Domain,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client:  client,
		now:     time.Now,
	}
}

// Name implements Sender.
func (s *MailgunSender) Name() domain.ESPType { return domain.ESPMailgun }

// Send delivers one message. Custom headers go out as h: fields and the
// message id as a v: variable, which Mailgun echoes in user-variables.
func (s *MailgunSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.apiKey == "" || s.domain == "" {
		return nil, notConfigured(domain.ESPMailgun)
	}

	form := url.Values{}
	form.Add("from", msg.FromHeader())
	form.Add("to", msg.To)
	form.Add("subject", msg.Subject)
	if msg.HTML != "" {
		form.Add("html", msg.HTML)
	}
	if msg.Text != "" {
		form.Add("text", msg.Text)
	}
	if msg.ReplyTo != "" {
		form.Add("h:Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		form.Add("h:"+k, v)
	}
	form.Add("v:message_id", msg.MessageID)
	if msg.TenantID != "" {
		form.Add("v:tenant_id", msg.TenantID)
	}
	if msg.BulkJobID != "" {
		form.Add("v:bulk_job_id", msg.BulkJobID)
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/%s/messages", s.baseURL, s.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, Classify(ctx, domain.ESPMailgun, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", s.apiKey)

	resp, err := doHTTP(ctx, s.client, domain.ESPMailgun, req)
	if err != nil {
		return nil, err
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.body, &result); err != nil {
		logger.Warn("mailgun response not json", "message_id", msg.MessageID, "error", err.Error())
	}
	messageID := strings.Trim(result.ID, "<>")
	logger.Debug("mailgun accepted message", "message_id", msg.MessageID, "provider_message_id", messageID, "to", msg.To)

	return &domain.SendResult{
		ProviderMessageID: messageID,
		RawResponse:       string(resp.body),
		StatusCode:        resp.status,
		ESPType:           domain.ESPMailgun,
		SentAt:            s.now(),
	}, nil
}
