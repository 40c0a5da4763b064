package pkg

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			assert.Equal(t, tt.level, GetLogLevel())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
		ok   bool
	}{
		{"V", zapcore.DebugLevel, true},
		{"debug", zapcore.DebugLevel, true},
		{"INFO", zapcore.InfoLevel, true},
		{"w", zapcore.WarnLevel, true},
		{"Error", zapcore.ErrorLevel, true},
		{"", zapcore.InfoLevel, false},
		{"x", zapcore.InfoLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLogLevel(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, zapcore.InfoLevel)
	require.NotNil(t, logger)

	logger.Info("test message")
	assert.Contains(t, buf.String(), "test message")
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, zapcore.InfoLevel)
	require.NotNil(t, logger)

	logger.Info("test message")
	assert.Contains(t, buf.String(), `"msg":"test message"`)
}

func TestLogFunctionsTagComponent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := SetLogger(zap.New(core))
	defer SetLogger(prev)

	LogDebug(ComponentBridge, "debug msg", "cport", 3)
	LogInfo(ComponentRegistrar, "info msg")
	LogWarn(ComponentUART, "warn msg")
	LogError(ComponentLoopback, "error msg")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)

	wantComponents := []Component{ComponentBridge, ComponentRegistrar, ComponentUART, ComponentLoopback}
	for i, e := range entries {
		assert.Equal(t, string(wantComponents[i]), e.ContextMap()["component"])
	}
	assert.EqualValues(t, 3, entries[0].ContextMap()["cport"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
}

func TestLoggerNamed(t *testing.T) {
	var buf bytes.Buffer
	prev := SetLogger(NewJSONLogger(&buf, zapcore.InfoLevel))
	defer SetLogger(prev)

	Logger(ComponentFabric).Info("named")
	assert.True(t, strings.Contains(buf.String(), `"logger":"fabric"`), buf.String())
}
