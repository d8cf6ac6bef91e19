package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/httputil"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

type normalizer func(body []byte) ([]*domain.ProviderEvent, error)

// readBody reads at most httputil.MaxBodyBytes. It writes the error
// response itself and returns false on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httputil.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		httputil.BadRequest(w, "could not read body")
		return nil, false
	}
	return body, true
}

func (s *Server) handleProviderWebhook(provider string, normalize normalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		events, err := normalize(body)
		if err != nil {
			logger.Warn("rejected provider webhook", "provider", provider, "error", err.Error())
			writeError(w, err)
			return
		}
		s.applyEvents(w, r.Context(), provider, events)
	}
}

func (s *Server) applyEvents(w http.ResponseWriter, ctx context.Context, provider string, events []*domain.ProviderEvent) {
	res, err := s.engine.HandleProviderEvents(ctx, events)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("provider webhook processed",
		"provider", provider,
		"received", res.Received,
		"applied", res.Applied,
		"deduped", res.Deduped,
		"unmatched", res.Unmatched,
		"errors", res.Errors,
	)
	if res.Errors > 0 {
		// Providers redeliver on 5xx; events already applied come back deduped.
		httputil.JSON(w, http.StatusServiceUnavailable, res)
		return
	}
	httputil.OK(w, res)
}

// handleSendGridWebhook accepts the SendGrid event webhook.
//
//	POST /webhooks/sendgrid
func (s *Server) handleSendGridWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleProviderWebhook("sendgrid", delivery.NormalizeSendGrid)(w, r)
}

// handleMailgunWebhook accepts Mailgun event-data webhooks.
//
//	POST /webhooks/mailgun
func (s *Server) handleMailgunWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleProviderWebhook("mailgun", delivery.NormalizeMailgun)(w, r)
}

// handleSparkPostWebhook accepts SparkPost message event batches.
//
//	POST /webhooks/sparkpost
func (s *Server) handleSparkPostWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleProviderWebhook("sparkpost", delivery.NormalizeSparkPost)(w, r)
}

// handleGenericWebhook accepts already-normalized events.
//
//	POST /webhooks/events
func (s *Server) handleGenericWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleProviderWebhook("generic", delivery.NormalizeGeneric)(w, r)
}

// handleSESWebhook accepts SNS deliveries of SES notifications and confirms
// subscription requests.
//
//	POST /webhooks/ses
func (s *Server) handleSESWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	res, err := delivery.NormalizeSES(body)
	if err != nil {
		logger.Warn("rejected provider webhook", "provider", "ses", "error", err.Error())
		writeError(w, err)
		return
	}
	if res.SubscribeURL != "" {
		if err := s.confirmSubscription(r.Context(), res.SubscribeURL); err != nil {
			logger.Error("sns subscription confirmation failed", "error", err.Error())
			httputil.ErrorCode(w, http.StatusBadGateway, "subscription_failed", "could not confirm subscription", nil)
			return
		}
		logger.Info("sns subscription confirmed")
		httputil.OK(w, map[string]string{"status": "confirmed"})
		return
	}
	s.applyEvents(w, r.Context(), "ses", res.Events)
}

// confirmSubscription fetches the SNS SubscribeURL. Only https URLs on an
// amazonaws.com host are followed.
func (s *Server) confirmSubscription(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse subscribe url: %w", err)
	}
	if u.Scheme != "https" || !strings.HasSuffix(u.Hostname(), ".amazonaws.com") {
		return fmt.Errorf("refusing subscribe url host %q", u.Hostname())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.sns.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("subscribe url returned %d", resp.StatusCode)
	}
	return nil
}
