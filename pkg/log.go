package pkg

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component identifies a subsystem for log filtering.
type Component string

// Bridge and protocol component identifiers.
const (
	ComponentBridge    Component = "bridge"
	ComponentRegistrar Component = "registrar"
	ComponentFabric    Component = "fabric"
	ComponentCore      Component = "core"
	ComponentUART      Component = "uart"
	ComponentLoopback  Component = "loopback"
	ComponentHAL       Component = "hal"
	ComponentConfig    Component = "config"
	ComponentProf      Component = "prof"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Console format (default)
	LogFormatJSON                  // JSON format
)

// EnvLogLevel names the environment variable holding the initial log level.
// The first letter is significant: V/D=debug, I=info, W=warn, E=error.
const EnvLogLevel = "SOFTGB_LOG"

var (
	// DefaultLogger is the root logger used by all components.
	DefaultLogger *zap.Logger

	logLevel  = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	logMutex  sync.RWMutex
	logOutput zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
)

func init() {
	if lvl, ok := ParseLogLevel(os.Getenv(EnvLogLevel)); ok {
		logLevel.SetLevel(lvl)
	}
	DefaultLogger = newLogger(logOutput, LogFormatText, logLevel)
}

func newLogger(w zapcore.WriteSyncer, format LogFormat, lvl zapcore.LevelEnabler) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch format {
	case LogFormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, w, lvl))
}

// ParseLogLevel converts a level string to a zap level.
// Only the first letter is inspected; an empty or unknown string is rejected.
func ParseLogLevel(s string) (zapcore.Level, bool) {
	if len(s) == 0 {
		return zapcore.InfoLevel, false
	}
	switch s[0] {
	case 'V', 'v', 'D', 'd':
		return zapcore.DebugLevel, true
	case 'I', 'i':
		return zapcore.InfoLevel, true
	case 'W', 'w':
		return zapcore.WarnLevel, true
	case 'E', 'e':
		return zapcore.ErrorLevel, true
	}
	return zapcore.InfoLevel, false
}

// SetLogLevel sets the minimum log level for all component logging.
func SetLogLevel(level zapcore.Level) {
	logLevel.SetLevel(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() zapcore.Level {
	return logLevel.Level()
}

// SetLogger replaces the root logger and returns the previous one.
func SetLogger(logger *zap.Logger) *zap.Logger {
	logMutex.Lock()
	defer logMutex.Unlock()
	prev := DefaultLogger
	DefaultLogger = logger
	return prev
}

// SetLogFormat rebuilds the root logger with the given format.
// Output goes to os.Stderr at the current log level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = newLogger(logOutput, format, logLevel)
}

// NewLogger creates a console logger writing to w at the given level.
func NewLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	return newLogger(zapcore.AddSync(w), LogFormatText, level)
}

// NewJSONLogger creates a JSON logger writing to w at the given level.
func NewJSONLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	return newLogger(zapcore.AddSync(w), LogFormatJSON, level)
}

// Logger returns the root logger named after the component.
func Logger(component Component) *zap.Logger {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	return logger.Named(string(component))
}

func sugar(component Component) *zap.SugaredLogger {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	return logger.Sugar().With("component", string(component))
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	sugar(component).Debugw(msg, args...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	sugar(component).Infow(msg, args...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	sugar(component).Warnw(msg, args...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	sugar(component).Errorw(msg, args...)
}
