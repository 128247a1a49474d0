package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(t *testing.T, level string) (*Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	logger, err := NewLogger(&Config{
		Level:       level,
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(t, err)
	logger.SetOutput(&buf)
	return logger, &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:   "valid config",
			config: &Config{Level: "info", Format: "json", Output: "stdout", ServiceName: "svc"},
		},
		{
			name:    "invalid log level",
			config:  &Config{Level: "invalid", Format: "json", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			config:  &Config{Level: "info", Format: "xml", Output: "stdout"},
			wantErr: true,
		},
		{
			name:   "nil config uses defaults",
			config: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithInvestigationID(ctx, "inv-1")
	ctx = WithScanID(ctx, "scan-1")

	logger.WithContext(ctx).Info("test message")

	entry := decode(t, buf)
	assert.Equal(t, "corr-1", entry["correlation_id"])
	assert.Equal(t, "inv-1", entry["investigation_id"])
	assert.Equal(t, "scan-1", entry["scan_id"])
	assert.Equal(t, "test-service", entry["service"])
	assert.Equal(t, "test message", entry["message"])
}

func TestLogger_KeysAndValues(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.Warn("breaker opened", "destination", "analytics-svc", "failures", 3, "error", errors.New("boom"), "dangling")

	entry := decode(t, buf)
	assert.Equal(t, "breaker opened", entry["message"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "analytics-svc", entry["destination"])
	assert.Equal(t, float64(3), entry["failures"])
	assert.Equal(t, "boom", entry["error"])
	assert.NotContains(t, entry, "dangling")
}

func TestLogger_LogScanEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.LogScanEvent(context.Background(), "skipped", "geo=us", "chargebacks", logrus.Fields{"reason": "insufficient_data"})

	entry := decode(t, buf)
	assert.Equal(t, "skipped", entry["event"])
	assert.Equal(t, "geo=us", entry["cohort"])
	assert.Equal(t, "chargebacks", entry["metric"])
	assert.Equal(t, "insufficient_data", entry["reason"])
}

func TestLogger_LogError(t *testing.T) {
	logger, buf := newBufferedLogger(t, "debug")

	logger.LogError(context.Background(), assert.AnError, "tool failed", logrus.Fields{"tool": "velocity"})

	entry := decode(t, buf)
	assert.Equal(t, "tool failed", entry["message"])
	assert.Equal(t, assert.AnError.Error(), entry["error"])
	assert.Equal(t, "velocity", entry["tool"])
	assert.Contains(t, entry, "stack_trace")
}

func TestLogger_DebugSuppressedAtInfo(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.Debug("hidden", "k", "v")
	assert.Zero(t, buf.Len())
}

func TestCorrelationIDFunctions(t *testing.T) {
	id1 := NewCorrelationID()
	id2 := NewCorrelationID()
	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)

	ctx := WithCorrelationID(context.Background(), "abc")
	assert.Equal(t, "abc", GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))
}
