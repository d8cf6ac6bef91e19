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

// SparkPostConfig configures the SparkPost adapter.
type SparkPostConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// SparkPostSender sends through the SparkPost Transmissions API.
type SparkPostSender struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  httpretry.HTTPDoer
	now     func() time.Time
}

// NewSparkPostSender creates a sender targeting the SparkPost v1 API.
func NewSparkPostSender(cfg SparkPostConfig, client httpretry.HTTPDoer) *SparkPostSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sparkpost.com/api/v1"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &SparkPostSender{apiKey: cfg.APIKey, baseURL: cfg.BaseURL, timeout: cfg.Timeout, client: client, now: time.Now}
}

// Name implements Sender.
func (s *SparkPostSender) Name() domain.ESPType { return domain.ESPSparkPost }

// Send delivers one message as a single-recipient transmission.
func (s *SparkPostSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, notConfigured(domain.ESPSparkPost)
	}

	content := map[string]interface{}{
		"from":    map[string]string{"email": msg.From, "name": msg.FromName},
		"subject": msg.Subject,
	}
	if msg.HTML != "" {
		content["html"] = msg.HTML
	}
	if msg.Text != "" {
		content["text"] = msg.Text
	}
	if msg.ReplyTo != "" {
		content["reply_to"] = msg.ReplyTo
	}
	if len(msg.Headers) > 0 {
		content["headers"] = msg.Headers
	}

	metadata := map[string]string{"message_id": msg.MessageID}
	if msg.TenantID != "" {
		metadata["tenant_id"] = msg.TenantID
	}
	if msg.BulkJobID != "" {
		metadata["bulk_job_id"] = msg.BulkJobID
	}

	transmission := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.To}},
		},
		"content":  content,
		"metadata": metadata,
	}

	jsonData, err := json.Marshal(transmission)
	if err != nil {
		return nil, Classify(ctx, domain.ESPSparkPost, fmt.Errorf("marshal: %w", err))
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transmissions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, Classify(ctx, domain.ESPSparkPost, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := doHTTP(ctx, s.client, domain.ESPSparkPost, req)
	if err != nil {
		return nil, err
	}

	var result struct {
		Results struct {
			ID                      string `json:"id"`
			TotalAcceptedRecipients int    `json:"total_accepted_recipients"`
			TotalRejectedRecipients int    `json:"total_rejected_recipients"`
		} `json:"results"`
	}
	if err := json.Unmarshal(resp.body, &result); err != nil {
		logger.Warn("sparkpost response not json", "message_id", msg.MessageID, "error", err.Error())
	}
	if result.Results.TotalRejectedRecipients > 0 && result.Results.TotalAcceptedRecipients == 0 {
		return nil, &ProviderError{
			Provider:     domain.ESPSparkPost,
			ProviderCode: "recipient_rejected",
			StatusCode:   resp.status,
			Message:      "recipient rejected",
		}
	}
	logger.Debug("sparkpost accepted message", "message_id", msg.MessageID, "provider_message_id", result.Results.ID, "to", msg.To)

	return &domain.SendResult{
		ProviderMessageID: result.Results.ID,
		RawResponse:       string(resp.body),
		StatusCode:        resp.status,
		ESPType:           domain.ESPSparkPost,
		SentAt:            s.now(),
	}, nil
}
