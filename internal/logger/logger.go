package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/lumberjack/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFilePrefix is prepended to the run timestamp to name the log file.
const LogFilePrefix = "RedisBackup"

type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// zapLogger wraps a *zap.SugaredLogger and implements Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// Ensure zapLogger satisfies Logger.
var _ Logger = (*zapLogger)(nil)

// Debug logs at DebugLevel. keysAndValues are alternating key/value pairs.
func (l *zapLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs at InfoLevel.
func (l *zapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs at WarnLevel.
func (l *zapLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs at ErrorLevel.
func (l *zapLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Options controls where and how verbosely Init logs.
type Options struct {
	// Verbose enables debug output.
	Verbose bool
	// Dir, when set, sends output to <Dir>/RedisBackup<Timestamp>.log
	// instead of stdout.
	Dir       string
	Timestamp string
	// Writer overrides stdout when Dir is empty.
	Writer io.Writer
}

// ----------------------------------------------------------------------------
// globalSugar holds the SugaredLogger for easy global use.
var globalSugar *zap.SugaredLogger

// Init creates a Zap logger, wraps it, and returns the Logger interface
// along with the path of the log file (empty when logging to stdout).
// Call this once at startup.
func Init(opts Options) (Logger, string, error) {
	encCfg := zap.NewDevelopmentEncoderConfig()
	// ISO8601 timestamps + capital levels so every error line carries "ERROR".
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	var (
		sink    zapcore.WriteSyncer
		logPath string
	)
	switch {
	case opts.Dir != "":
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("create log directory %q: %w", opts.Dir, err)
		}
		logPath = filepath.Join(opts.Dir, FileName(opts.Timestamp, ".log"))
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    100,
			MaxBackups: 3,
		})
	case opts.Writer != nil:
		sink = zapcore.AddSync(opts.Writer)
	default:
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		sink = zapcore.Lock(os.Stdout)
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)
	zapLog := zap.New(core,
		zap.AddCaller(),      // include file:line
		zap.AddCallerSkip(1), // skip the wrapper frame
	)

	sugar := zapLog.Sugar()
	globalSugar = sugar

	return &zapLogger{sugar: sugar}, logPath, nil
}

// New wraps an existing zap logger. Used by tests with zaptest/observer.
func New(l *zap.Logger) Logger {
	return &zapLogger{sugar: l.Sugar()}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}

// FileName builds RedisBackup<timestamp><ext>.
func FileName(timestamp, ext string) string {
	return LogFilePrefix + timestamp + ext
}

// Cleanup flushes any buffered log entries. Call at program exit.
func Cleanup() {
	if globalSugar != nil {
		_ = globalSugar.Sync()
	}
}

// Global returns the Logger created by Init(), or a no-op logger if Init
// was never called.
func Global() Logger {
	if globalSugar == nil {
		return Nop()
	}
	return &zapLogger{sugar: globalSugar}
}
