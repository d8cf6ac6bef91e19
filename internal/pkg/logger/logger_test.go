package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactEmail(tt.in))
		})
	}
}

func TestLogger_WritesJSONWithRedaction(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DEBUG, true)

	l.Info("message queued", "to", "alice@example.com", "detail", "bounce from bob@example.org", "retry_count", 2)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "message queued", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "al***@example.com", entry["to"])
	assert.Equal(t, "bounce from bo***@example.org", entry["detail"])
	assert.Equal(t, "2", entry["retry_count"])
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WARN, false)

	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.Error("kept", "email", "carol@example.com")
	assert.Contains(t, buf.String(), "carol@example.com")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel(""))
}
