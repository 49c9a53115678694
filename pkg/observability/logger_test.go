package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/daimatz/goenhance/pkg/config"
)

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "goenhance"}, zapcore.AddSync(&buf))
	logger.Warn("access to inherited managed field left direct", zap.String("class", "test/Savings"))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, colorYellow+"WARN"+colorReset)
	assert.Contains(t, out, "goenhance.")
	assert.Contains(t, out, "test/Savings")
}

func TestJSONLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggerConfig{Level: "warn", Format: "json"}, zapcore.AddSync(&buf))
	logger.Info("dropped")
	logger.Error("kept", zap.String("class", "a/B"))
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "a/B", entry["class"])
}

func TestFileCore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "goenhance.log")
	var buf bytes.Buffer
	logger := NewLogger(config.LoggerConfig{Level: "info", Format: "console", LogFile: path, MaxSize: 1}, zapcore.AddSync(&buf))
	logger.Info("enhanced", zap.String("class", "test/Point"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"class":"test/Point"`)
	assert.Contains(t, buf.String(), "enhanced")
}

func TestGlobalLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	assert.NotNil(t, GetLogger(), "a logger is available before initialization")

	var first, second bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&first))
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&second))
	GetLogger().Info("hello")
	Sync()

	assert.Contains(t, first.String(), "hello")
	assert.Empty(t, second.String(), "only the first Initialize takes effect")
}
