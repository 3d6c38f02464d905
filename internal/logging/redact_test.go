package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encodeEntry(t *testing.T, enc zapcore.Encoder, fields ...zap.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "test"}, fields)
	require.NoError(t, err)
	return buf.String()
}

func newTestRedactor(t *testing.T) *RedactingEncoder {
	t.Helper()
	enc, err := NewRedactingEncoder(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		NewDefaultConfig().Redaction,
	)
	require.NoError(t, err)
	return enc
}

func TestRedactingEncoder_FieldNames(t *testing.T) {
	enc := newTestRedactor(t)
	out := encodeEntry(t, enc, zap.String("api_key", "sk-abc123"), zap.String("plan", "fine"))

	assert.NotContains(t, out, "sk-abc123")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "fine")
}

func TestRedactingEncoder_ValuePatterns(t *testing.T) {
	enc := newTestRedactor(t)
	out := encodeEntry(t, enc, zap.String("note", "auth uses Bearer sk-very-secret"))

	assert.NotContains(t, out, "sk-very-secret")
	assert.Contains(t, out, "[REDACTED:pattern]")
}

func TestRedactingEncoder_DisabledPassesThrough(t *testing.T) {
	enc, err := NewRedactingEncoder(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		RedactionConfig{Enabled: false},
	)
	require.NoError(t, err)

	out := encodeEntry(t, enc, zap.String("api_key", "sk-abc123"))
	assert.Contains(t, out, "sk-abc123")
}

func TestRedactedString(t *testing.T) {
	f := RedactedString("token", "abcdef")
	assert.Equal(t, "[REDACTED:6]", f.String)
}
