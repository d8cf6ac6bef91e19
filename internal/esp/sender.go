// Package esp contains the provider adapters used to hand a rendered message
// to an email service provider.
//
// Adapters are split into individual files:
//   - sendgrid.go:  SendGrid v3 Mail Send
//   - mailgun.go:   Mailgun Messages API
//   - ses.go:       AWS SES v2
//   - sparkpost.go: SparkPost Transmissions API
//
// Every adapter enforces its own request timeout and returns a *ProviderError
// on failure so callers can decide between retry and dead-letter.
package esp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/httpretry"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 15 * time.Second

// Sender delivers one rendered message through a provider.
type Sender interface {
	Name() domain.ESPType
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// Registry maps provider names to configured senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[domain.ESPType]Sender
}

// NewRegistry builds a registry from the given senders.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[domain.ESPType]Sender)}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the sender for its provider name.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Name()] = s
}

// Get returns the sender for a provider.
func (r *Registry) Get(name domain.ESPType) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[name]
	return s, ok
}

// Names lists the registered providers in stable order.
func (r *Registry) Names() []domain.ESPType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ESPType, 0, len(r.senders))
	for name := range r.senders {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 1 << 20

// httpResponse is what the HTTP adapters need from a completed call.
type httpResponse struct {
	status int
	header http.Header
	body   []byte
}

// doHTTP performs req under ctx and normalizes transport failures. The
// returned response is only set on a 2xx status; anything else comes back
// as a classified *ProviderError.
func doHTTP(ctx context.Context, client httpretry.HTTPDoer, provider domain.ESPType, req *http.Request) (*httpResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, Classify(ctx, provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, Classify(ctx, provider, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ClassifyStatus(provider, resp.StatusCode, body)
	}
	return &httpResponse{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

func notConfigured(provider domain.ESPType) *ProviderError {
	return &ProviderError{
		Provider:     provider,
		Retryable:    false,
		ProviderCode: "not_configured",
		Message:      "credentials not configured",
		Err:          ErrNotConfigured,
	}
}
