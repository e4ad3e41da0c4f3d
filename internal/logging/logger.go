package logging

import (
	"io"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	// No output until the binary installs a configured logger.
	globalLogger = zap.NewNop()
}

// ParseLevel maps a config level string to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a JSON production logger at the given level.
func New(level string) (*zap.Logger, error) {
	return productionConfig(level).Build()
}

func productionConfig(level string) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	return cfg
}

// Options selects the level and destination of a logger built by NewWithOptions.
type Options struct {
	Level string
	// Output is "stdout", "stderr" (the default) or a file path. File output
	// is rotated by lumberjack using the fields below.
	Output     string
	MaxSize    int // megabytes before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	LocalTime  bool
}

// NewWithOptions creates a JSON logger for o. The returned closer is non-nil
// only for file output and must be closed on exit.
func NewWithOptions(o Options) (*zap.Logger, io.Closer, error) {
	switch o.Output {
	case "", "stderr", "stdout":
		cfg := productionConfig(o.Level)
		if o.Output == "stdout" {
			cfg.OutputPaths = []string{"stdout"}
		}
		l, err := cfg.Build()
		return l, nil, err
	}

	w := &lumberjack.Logger{
		Filename:   o.Output,
		MaxSize:    o.MaxSize,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAge,
		Compress:   o.Compress,
		LocalTime:  o.LocalTime,
	}
	cfg := productionConfig(o.Level)
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg.EncoderConfig),
		zapcore.AddSync(w),
		cfg.Level,
	)
	return zap.New(core, zap.AddCaller()), w, nil
}

// Global returns the process-wide logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal replaces the process-wide logger. A nil logger is ignored.
func SetGlobal(l *zap.Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Named returns a child of the global logger tagged with a component name.
func Named(component string) *zap.Logger {
	return Global().With(zap.String("component", component))
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = Global().Sync()
}
