package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/ignite/delivery-engine/internal/domain"
)

// UnsubscribeSigner builds and verifies one-click unsubscribe links.
// sig = hex(HMAC-SHA256(secret, normalizedEmail + "|" + messageID)).
type UnsubscribeSigner struct {
	baseURL string
	secret  []byte
}

// NewUnsubscribeSigner creates a signer. Links are only produced when both
// baseURL and secret are set.
func NewUnsubscribeSigner(baseURL, secret string) *UnsubscribeSigner {
	return &UnsubscribeSigner{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}
}

// Enabled reports whether links can be produced.
func (u *UnsubscribeSigner) Enabled() bool {
	return u.baseURL != "" && len(u.secret) > 0
}

// Sign returns the hex signature for an address and message.
func (u *UnsubscribeSigner) Sign(email, messageID string) string {
	h := hmac.New(sha256.New, u.secret)
	h.Write([]byte(domain.NormalizeEmail(email) + "|" + messageID))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks sig in constant time.
func (u *UnsubscribeSigner) Verify(email, messageID, sig string) bool {
	if len(u.secret) == 0 || sig == "" {
		return false
	}
	expected := u.Sign(email, messageID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}

// URL returns the signed unsubscribe link.
func (u *UnsubscribeSigner) URL(email, messageID string) string {
	q := url.Values{}
	q.Set("email", domain.NormalizeEmail(email))
	q.Set("message_id", messageID)
	q.Set("sig", u.Sign(email, messageID))
	return fmt.Sprintf("%s?%s", u.baseURL, q.Encode())
}

// Headers returns the RFC 8058 one-click headers for a message.
func (u *UnsubscribeSigner) Headers(email, messageID string) map[string]string {
	return map[string]string{
		"List-Unsubscribe":      "<" + u.URL(email, messageID) + ">",
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
}
