package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
)

func TestLoggerWritesJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("tenant_id", "TNT-ABCD1234").WithError(errors.New("boom")).Error("provisioning failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "provisioning failed", entry["msg"])
	assert.Equal(t, "TNT-ABCD1234", entry["tenant_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "ERROR", entry["level"])
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("error"))
	assert.Equal(t, InfoLevel, ParseLogLevel("nonsense"))
}

func TestFromContextAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(DebugLevel, &buf))
	ctx = contextkeys.WithRequestID(ctx, "req-1")
	ctx = WithUserID(ctx, 42)

	FromContext(ctx).Info("hello")

	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"user_id":42`)
}

func TestLoggerRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("client_secret", "s3cret").
		WithFields(map[string]interface{}{"reset_token": "abc", "Authorization": "Bearer x", "email": "a@example.com"}).
		WithTenant("TNT-1").
		Info("configured")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, Redacted, entry["client_secret"])
	assert.Equal(t, Redacted, entry["reset_token"])
	assert.Equal(t, Redacted, entry["Authorization"])
	assert.Equal(t, "a@example.com", entry["email"])
	assert.Equal(t, "TNT-1", entry["tenant_id"])
	assert.NotContains(t, buf.String(), "s3cret")
}
