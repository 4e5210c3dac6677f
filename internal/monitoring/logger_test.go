package monitoring

import (
	"bytes"
	"testing"

	"github.com/odinrt/channels-go/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger_IncludesServiceField(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: types.LogLevelDebug, Format: types.LogFormatJSON})

	var buf bytes.Buffer
	logger = logger.Output(&buf)
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"service":"channels-client"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestRecoverPanic_SuppressesPanicAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test-goroutine", map[string]any{"id": 1})
		panic("boom")
	}()

	assert.Contains(t, buf.String(), "goroutine panic recovered")
	assert.Contains(t, buf.String(), "test-goroutine")
}
