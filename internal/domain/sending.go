package domain

import (
	"net/mail"
	"strings"
	"time"
)

// ESPType identifies the email service provider used for sending.
type ESPType string

const (
	ESPSendGrid  ESPType = "sendgrid"
	ESPMailgun   ESPType = "mailgun"
	ESPSES       ESPType = "ses"
	ESPSparkPost ESPType = "sparkpost"
)

// Valid reports whether t names a known provider.
func (t ESPType) Valid() bool {
	switch t {
	case ESPSendGrid, ESPMailgun, ESPSES, ESPSparkPost:
		return true
	}
	return false
}

// EmailMessage is the fully-resolved message handed to an ESP sender.
// By the time a message reaches this struct, all template substitution and
// header generation is complete.
type EmailMessage struct {
	MessageID string            `json:"message_id"`
	To        string            `json:"to"`
	From      string            `json:"from"`
	FromName  string            `json:"from_name,omitempty"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Subject   string            `json:"subject"`
	HTML      string            `json:"html,omitempty"`
	Text      string            `json:"text,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	BulkJobID string            `json:"bulk_job_id,omitempty"`
}

// FromHeader renders the From value as `Name <addr>` when a name is set.
func (m *EmailMessage) FromHeader() string {
	if m.FromName == "" {
		return m.From
	}
	return (&mail.Address{Name: m.FromName, Address: m.From}).String()
}

// SendResult is returned by an ESP sender after an accepted send.
type SendResult struct {
	ProviderMessageID string    `json:"provider_message_id"`
	RawResponse       string    `json:"raw_response,omitempty"`
	StatusCode        int       `json:"status_code"`
	ESPType           ESPType   `json:"esp_type"`
	SentAt            time.Time `json:"sent_at"`
}

// NormalizeEmail lower-cases and trims an address for comparisons, hashing
// and suppression lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailDomain returns the lower-cased domain of an address, or "".
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
