package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerLevels(t *testing.T) {
	require.NoError(t, InitLogger("debug", "development"))
	assert.Equal(t, zapcore.DebugLevel, Level())
	assert.NotNil(t, Named("chunker"))

	SetLevel("WARN")
	assert.Equal(t, zapcore.WarnLevel, Level())

	// 无法识别的级别回退到 info
	SetLevel("verbose")
	assert.Equal(t, zapcore.InfoLevel, Level())
}
