package delivery

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFieldName(t *testing.T) {
	assert.Equal(t, "to", jsonFieldName("To"))
	assert.Equal(t, "max_retries", jsonFieldName("MaxRetries"))
	assert.Equal(t, "reply_to", jsonFieldName("ReplyTo"))
	assert.Equal(t, "html", jsonFieldName("HTML"))
	assert.Equal(t, "template_id", jsonFieldName("TemplateID"))
}

func TestValidationFromTags(t *testing.T) {
	err := validationFromTags(validate.Struct(&EnqueueRequest{To: "x@example.com", From: "nope"}))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "from", verr.Field)
	assert.Equal(t, "is not a valid email address", verr.Reason)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEnqueueFingerprint(t *testing.T) {
	a := &EnqueueRequest{To: "User@Example.com", From: "n@example.com", Subject: "s", IdempotencyKey: "k1"}
	b := &EnqueueRequest{To: "user@example.com", From: "n@example.com", Subject: "s", IdempotencyKey: "k2"}
	assert.Equal(t, a.fingerprint(), b.fingerprint(), "key and address case do not affect the hash")

	c := *b
	c.Subject = "other"
	assert.NotEqual(t, b.fingerprint(), c.fingerprint())

	d := *b
	d.bulkJobID = "job-1"
	assert.NotEqual(t, b.fingerprint(), d.fingerprint(), "bulk membership is part of the request")
}

func TestRecipientKey(t *testing.T) {
	k := recipientKey("job-1", "User@Example.com")
	assert.True(t, strings.HasPrefix(k, "job-1:"))
	assert.Len(t, k, len("job-1:")+16)
	assert.Equal(t, k, recipientKey("job-1", " user@example.com "))
	assert.NotEqual(t, k, recipientKey("job-2", "user@example.com"))
}

func TestUniqueRecipients(t *testing.T) {
	out, dups := uniqueRecipients([]BulkRecipient{
		{To: "a@example.com", TenantID: "first"},
		{To: "A@EXAMPLE.COM", TenantID: "second"},
		{To: "b@example.com"},
		{To: ""},
		{To: ""},
	})
	assert.Equal(t, 1, dups)
	require.Len(t, out, 4)
	assert.Equal(t, "first", out[0].TenantID)
}

func TestMergeVariables(t *testing.T) {
	shared := map[string]interface{}{"greeting": "Hi", "name": "friend"}
	own := map[string]interface{}{"name": "Ada"}
	merged := mergeVariables(shared, own)
	assert.Equal(t, "Ada", merged["name"])
	assert.Equal(t, "Hi", merged["greeting"])
	assert.Equal(t, "friend", shared["name"], "shared map is not mutated")
	assert.Equal(t, own, mergeVariables(nil, own))
}
