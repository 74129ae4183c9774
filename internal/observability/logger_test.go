// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/promptpilot/internal/config"
)

// setupTestLogger initializes the global logger to write to a buffer.
func setupTestLogger(cfg config.LoggerConfig) *bytes.Buffer {
	buf := new(bytes.Buffer)
	Initialize(cfg, zapcore.AddSync(buf))
	return buf
}

func TestInitializeLogger(t *testing.T) {

	t.Run("console format colorizes levels", func(t *testing.T) {
		ResetForTest()

		buf := setupTestLogger(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "testservice",
		})

		GetLogger().Info("This is a test message.")
		Sync()

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "This is a test message.")
		assert.Contains(t, output, colorGreen, "info level is colorized green")
		assert.Contains(t, output, colorReset)
		assert.Contains(t, output, "testservice.", "component name reads as a dotted prefix")
	})

	t.Run("json format emits structured entries", func(t *testing.T) {
		ResetForTest()

		buf := setupTestLogger(config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "jsontest",
		})

		GetLogger().Warn("Structured message.", zap.String("key", "value"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output is valid JSON")
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "Structured message.", entry["msg"])
		assert.Equal(t, "value", entry["key"])
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()

		buf := setupTestLogger(config.LoggerConfig{
			Level:       "nonsense",
			Format:      "json",
			ServiceName: "leveltest",
		})

		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		Sync()

		output := buf.String()
		assert.NotContains(t, output, "hidden")
		assert.Contains(t, output, "shown")
	})

	t.Run("second initialize is a no-op", func(t *testing.T) {
		ResetForTest()

		buf := setupTestLogger(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"})
		other := setupTestLogger(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "second"})

		GetLogger().Info("routed once")
		Sync()

		assert.Contains(t, buf.String(), "routed once")
		assert.Empty(t, other.String())
	})
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	assert.NotNil(t, GetLogger(), "fallback logger must always be available")
}
