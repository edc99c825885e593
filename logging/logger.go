// Package logging is the logging sink used by the supervisor and the shell.
package logging

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging sink.
type Logger interface {
	// Debug logs a message at debug level
	Debug(msg string, args ...interface{})

	// Info logs a message at info level
	Info(msg string, args ...interface{})

	// Warn logs a message at warn level
	Warn(msg string, args ...interface{})

	// Error logs a message at error level
	Error(msg string, args ...interface{})

	// With adds key-value pairs to the logger
	With(args ...interface{}) Logger
}

// At logs msg on l at the given level.
func At(l Logger, level Level, msg string, args ...interface{}) {
	switch level {
	case LevelDebug:
		l.Debug(msg, args...)
	case LevelWarn:
		l.Warn(msg, args...)
	case LevelError:
		l.Error(msg, args...)
	default:
		l.Info(msg, args...)
	}
}

// Options configures New.
type Options struct {
	Level       Level
	Development bool      // Console encoder instead of JSON
	Tee         io.Writer // Optional second sink receiving JSON entries, one Write per entry
}

// ZapLogger implements Logger using zap
type ZapLogger struct {
	logger *zap.SugaredLogger
}

// New builds a zap-backed logger writing to stderr.
func New(opts Options) (*ZapLogger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(opts.Level.zapLevel())
	cfg.Sampling = nil // every sidecar line must make it through
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	if opts.Tee != nil {
		teeCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(opts.Tee),
			cfg.Level,
		)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, teeCore)
		}))
	}

	return &ZapLogger{logger: logger.Sugar()}, nil
}

// FromZap wraps an existing zap logger.
func FromZap(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger.Sugar()}
}

// NewNop returns a logger that discards everything.
func NewNop() *ZapLogger {
	return FromZap(zap.NewNop())
}

// Debug implements Logger.Debug
func (l *ZapLogger) Debug(msg string, args ...interface{}) {
	l.logger.Debugw(msg, args...)
}

// Info implements Logger.Info
func (l *ZapLogger) Info(msg string, args ...interface{}) {
	l.logger.Infow(msg, args...)
}

// Warn implements Logger.Warn
func (l *ZapLogger) Warn(msg string, args ...interface{}) {
	l.logger.Warnw(msg, args...)
}

// Error implements Logger.Error
func (l *ZapLogger) Error(msg string, args ...interface{}) {
	l.logger.Errorw(msg, args...)
}

// With implements Logger.With
func (l *ZapLogger) With(args ...interface{}) Logger {
	return &ZapLogger{logger: l.logger.With(args...)}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

var _ Logger = (*ZapLogger)(nil)
