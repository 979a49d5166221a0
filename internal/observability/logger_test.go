package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/kbgraph/internal/config"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestInitializeAndGet(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	ws := zapcore.AddSync(zaptest.NewTestingWriter(t))
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "kbgraph-test"}, ws)

	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Info("hello")

	// A second Initialize must not replace the logger.
	Initialize(config.LoggerConfig{Level: "error", Format: "console", ServiceName: "other"}, ws)
	assert.Same(t, logger, GetLogger())
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	assert.NotNil(t, logger, "fallback logger must be provided before initialization")
}

func TestInitializeBadLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	ws := zapcore.AddSync(zaptest.NewTestingWriter(t))
	Initialize(config.LoggerConfig{Level: "nonsense", Format: "json", ServiceName: "kbgraph-test"}, ws)
	require.NotNil(t, GetLogger())
}
