package esp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/ignite/delivery-engine/internal/domain"
)

// ErrProviderTimeout marks a send that timed out or was aborted locally.
// The provider may still have accepted it.
var ErrProviderTimeout = errors.New("provider timeout")

// ErrNotConfigured is returned when an adapter lacks credentials.
var ErrNotConfigured = errors.New("provider not configured")

// ProviderError is the normalized, classified failure every adapter returns.
type ProviderError struct {
	Provider     domain.ESPType
	Retryable    bool
	ProviderCode string
	StatusCode   int
	Message      string
	Err          error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Timeout reports whether the failure is a local timeout or abort.
func (e *ProviderError) Timeout() bool { return errors.Is(e.Err, ErrProviderTimeout) }

// maxErrorBody caps how much of a provider response is kept in messages.
const maxErrorBody = 512

func timeoutError(provider domain.ESPType, cause error) *ProviderError {
	return &ProviderError{
		Provider:     provider,
		Retryable:    true,
		ProviderCode: "timeout",
		StatusCode:   http.StatusGatewayTimeout,
		Message:      "request timed out or was aborted",
		Err:          fmt.Errorf("%w: %v", ErrProviderTimeout, cause),
	}
}

// ClassifyStatus maps an HTTP response onto a ProviderError: 429 and 5xx
// are retryable, every other 4xx is permanent.
func ClassifyStatus(provider domain.ESPType, status int, body []byte) *ProviderError {
	retryable := status == http.StatusTooManyRequests || status >= 500
	return &ProviderError{
		Provider:     provider,
		Retryable:    retryable,
		ProviderCode: extractProviderCode(body),
		StatusCode:   status,
		Message:      truncate(strings.TrimSpace(string(body)), maxErrorBody),
	}
}

// Classify normalizes any error raised while talking to a provider. ctx is
// the context the request ran under; an expired or cancelled context always
// yields a timeout. Unknown errors are permanent so they are not retried
// forever.
func Classify(ctx context.Context, provider domain.ESPType, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if ctx != nil && ctx.Err() != nil {
		return timeoutError(provider, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return timeoutError(provider, err)
	}

	// AWS SDK responses carry the HTTP status of the failed call.
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		out := ClassifyStatus(provider, respErr.HTTPStatusCode(), nil)
		out.Message = err.Error()
		out.Err = err
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			out.ProviderCode = apiErr.ErrorCode()
			if apiErr.ErrorFault() == smithy.FaultServer {
				out.Retryable = true
			}
		}
		if out.ProviderCode == "Throttling" || out.ProviderCode == "TooManyRequestsException" {
			out.Retryable = true
		}
		return out
	}

	if code, ok := transientNetworkCode(err); ok {
		return &ProviderError{
			Provider:     provider,
			Retryable:    true,
			ProviderCode: code,
			Message:      err.Error(),
			Err:          err,
		}
	}

	return &ProviderError{
		Provider:     provider,
		Retryable:    false,
		ProviderCode: "unknown",
		Message:      err.Error(),
		Err:          err,
	}
}

func transientNetworkCode(err error) (string, bool) {
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET", true
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED", true
	case errors.Is(err, syscall.ETIMEDOUT):
		return "ETIMEDOUT", true
	case errors.Is(err, syscall.EPIPE):
		return "EPIPE", true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return "ECONNRESET", true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "ENOTFOUND", true
		}
		return "EAI_AGAIN", true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT", true
	}
	return "", false
}

// extractProviderCode pulls a short machine-readable code out of the common
// provider error envelopes.
func extractProviderCode(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var envelope struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Field   string `json:"field"`
		} `json:"errors"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if len(envelope.Errors) > 0 {
		if envelope.Errors[0].Code != "" {
			return envelope.Errors[0].Code
		}
		if envelope.Errors[0].Field != "" {
			return envelope.Errors[0].Field
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
