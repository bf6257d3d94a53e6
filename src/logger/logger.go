package logger

import (
	"os"
	"strings"

	"chart-sync/src/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// -----------------------------------------------------------------------------

// Logger provides structured logging functionality
type Logger struct {
	name   string
	logger *zap.SugaredLogger
	config *models.MConfig
}

// -----------------------------------------------------------------------------

// NewLogger creates a new Logger instance named after its component.
// A nil config logs at INFO level.
func NewLogger(config *models.MConfig, name string) *Logger {
	level := "INFO"
	if config != nil && config.LogLevel != "" {
		level = config.LogLevel
	}

	l := &Logger{
		name:   name,
		logger: newZap(level).Sugar().Named(name),
		config: config,
	}
	return l
}

// -----------------------------------------------------------------------------

// NewNopLogger returns a Logger that discards everything (tests).
func NewNopLogger(name string) *Logger {
	return &Logger{
		name:   name,
		logger: zap.NewNop().Sugar(),
	}
}

// -----------------------------------------------------------------------------

func newZap(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		zapLevel = zapcore.DebugLevel
	case "WARNING", "WARN":
		zapLevel = zapcore.WarnLevel
	case "ERROR":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.MessageKey = "message"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	// Human readable output while debugging, JSON otherwise
	var encoder zapcore.Encoder
	if zapLevel == zapcore.DebugLevel {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zapLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// -----------------------------------------------------------------------------

// Named returns a child logger for a sub-component.
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		name:   l.name + "." + name,
		logger: l.logger.Named(name),
		config: l.config,
	}
}

// -----------------------------------------------------------------------------

// With returns a child logger carrying key/value context.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{
		name:   l.name,
		logger: l.logger.With(args...),
		config: l.config,
	}
}

// -----------------------------------------------------------------------------

// Debug logs diagnostic messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// -----------------------------------------------------------------------------

// Warning logs recoverable anomalies
func (l *Logger) Warning(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

// -----------------------------------------------------------------------------

// Info logs informational messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// -----------------------------------------------------------------------------

// Error logs error messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// -----------------------------------------------------------------------------

// Critical logs critical errors and exits the application
func (l *Logger) Critical(format string, args ...interface{}) {
	l.logger.Errorf("CRITICAL: "+format, args...)
	_ = l.logger.Sync()
	os.Exit(1)
}

// -----------------------------------------------------------------------------

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.logger.Sync()
}
