package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/httpretry"
)

var dlqAlert = domain.Alert{
	Type:      domain.EventDeadLetterAlert,
	Severity:  "critical",
	Message:   "dead-letter queue above threshold",
	Details:   map[string]interface{}{"open": 120, "threshold": 100},
	CreatedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
}

func TestWebhookNotifier_Posts(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, nil)
	require.NoError(t, n.Notify(context.Background(), dlqAlert))
	assert.Equal(t, domain.EventDeadLetterAlert, got.Alert.Type)
	assert.Contains(t, got.Text, "[CRITICAL] dead-letter queue above threshold")
	assert.Contains(t, got.Text, "open: 120")
}

func TestWebhookNotifier_RetriesThenFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := httpretry.NewRetryClient(nil, 2, httpretry.WithBackoff(time.Millisecond, time.Millisecond))
	err := NewWebhookNotifier(srv.URL, client).Notify(context.Background(), dlqAlert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, 3, calls)
}

func TestFormat_SortsDetails(t *testing.T) {
	out := Format(dlqAlert)
	assert.Less(t, strings.Index(out, "open:"), strings.Index(out, "threshold:"))
	assert.Contains(t, out, "Raised:   2026-03-10T12:00:00Z")
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), dlqAlert))
}
