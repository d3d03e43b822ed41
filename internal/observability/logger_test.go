package observability

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/lancet/internal/config"
)

// syncBuffer is a minimal WriteSyncer capturing console output.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInitializeOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "lancet-test"}, buf)

	first := GetLogger()
	require.NotNil(t, first)

	// A second Initialize must not replace the stored logger.
	Initialize(config.LoggerConfig{Level: "error", Format: "console", ServiceName: "other"}, &syncBuffer{})
	assert.Same(t, first, GetLogger())

	first.Info("pipeline session started")
	assert.Contains(t, buf.String(), "pipeline session started")
	assert.Contains(t, buf.String(), "lancet-test")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "shouty", Format: "json", ServiceName: "lancet-test"}, buf)

	logger := GetLogger()
	logger.Debug("hidden at info")
	logger.Info("visible at info")

	out := buf.String()
	assert.NotContains(t, out, "hidden at info")
	assert.Contains(t, out, "visible at info")
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	// Must never return nil, even uninitialized.
	assert.NotNil(t, GetLogger())
}

func TestEncoderSelection(t *testing.T) {
	assert.NotNil(t, newEncoder("console"))
	assert.NotNil(t, newEncoder("json"))
	// Unknown formats fall back to JSON rather than failing.
	var enc zapcore.Encoder = newEncoder("")
	require.NotNil(t, enc)
}
