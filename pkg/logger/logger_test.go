package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Level(t *testing.T) {
	req := require.New(t)

	log, err := New("warn", false)
	req.NoError(err)

	req.False(log.Desugar().Core().Enabled(zapcore.InfoLevel))
	req.True(log.Desugar().Core().Enabled(zapcore.WarnLevel))
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("loud", true)
	require.Error(t, err)
}
