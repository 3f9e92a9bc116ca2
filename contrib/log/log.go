// Package log is a small structured logging facade. It decouples call
// sites from the concrete backend (zap) the same way the rest of this
// module decouples transports and config sources from their backends.
package log

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a logging severity.
type Level int8

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "INFO"
	}
}

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Logger is the interface every backend must satisfy. keyvals is a flat
// list of alternating key, value pairs, mirroring the Kratos-style
// logging convention this facade is modeled on.
type Logger interface {
	Log(level Level, keyvals ...any) error
}

type logFunc func(level Level, keyvals ...any) error

func (f logFunc) Log(level Level, keyvals ...any) error { return f(level, keyvals...) }

var global = &loggerAppliance{Logger: NewStdLogger(os.Stderr)}

type loggerAppliance struct {
	Logger
}

// SetLogger replaces the process-wide default logger.
func SetLogger(logger Logger) {
	global.Logger = logger
}

// GetLogger returns the process-wide default logger.
func GetLogger() Logger {
	return global.Logger
}

// NewStdLogger returns a Logger writing key=value pairs to w, used only
// as the zero-value fallback before SetLogger is called.
func NewStdLogger(w *os.File) Logger {
	return logFunc(func(level Level, keyvals ...any) error {
		fmt.Fprintf(w, "[%s] %s\n", level, fmtKeyvals(keyvals))
		return nil
	})
}

func fmtKeyvals(keyvals []any) string {
	s := ""
	for i := 0; i+1 < len(keyvals); i += 2 {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%v=%v", keyvals[i], keyvals[i+1])
	}
	return s
}

// zapLogger adapts a *zap.Logger to the Logger interface.
type zapLogger struct {
	z *zap.Logger
}

// NewZapLogger returns a Logger backed by zap with lumberjack rotation.
// An empty path logs to stderr only.
func NewZapLogger(path string, maxSize, maxAge, maxBackups int, compress bool, level Level) Logger {
	var writers []zapcore.WriteSyncer
	writers = append(writers, zapcore.AddSync(os.Stderr))

	if path != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxAge:     maxAge,
			MaxBackups: maxBackups,
			Compress:   compress,
		}))
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(writers...), toZapLevel(level))
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))

	return &zapLogger{z: z}
}

func toZapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *zapLogger) Log(level Level, keyvals ...any) error {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	msg := ""
	for i := 0; i+1 < len(keyvals); i += 2 {
		k := fmt.Sprint(keyvals[i])
		if k == "msg" {
			msg = fmt.Sprint(keyvals[i+1])
			continue
		}
		fields = append(fields, zap.Any(k, keyvals[i+1]))
	}

	switch level {
	case LevelDebug:
		l.z.Debug(msg, fields...)
	case LevelWarn:
		l.z.Warn(msg, fields...)
	case LevelError:
		l.z.Error(msg, fields...)
	case LevelFatal:
		l.z.Fatal(msg, fields...)
	default:
		l.z.Info(msg, fields...)
	}
	return nil
}

// With binds keyvals onto every subsequent Log call made through the
// returned logger.
func With(logger Logger, keyvals ...any) Logger {
	return logFunc(func(level Level, kv ...any) error {
		return logger.Log(level, append(append([]any{}, keyvals...), kv...)...)
	})
}

// Timestamp returns a keyval value that formats time.Now lazily at log
// time using layout.
func Timestamp(layout string) any {
	return timestampValuer(layout)
}

type timestampValuer string

func (t timestampValuer) String() string {
	return time.Now().Format(string(t))
}

// filter wraps a Logger and drops entries below level.
type filter struct {
	logger Logger
	level  Level
}

type FilterOption func(*filter)

func FilterLevel(level Level) FilterOption {
	return func(f *filter) { f.level = level }
}

func NewFilter(logger Logger, opts ...FilterOption) Logger {
	f := &filter{logger: logger, level: LevelDebug}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *filter) Log(level Level, keyvals ...any) error {
	if level < f.level {
		return nil
	}
	return f.logger.Log(level, keyvals...)
}

// Enabled reports whether the process-wide default logger would emit a
// message at level. Callers use this to skip building expensive log
// arguments.
func Enabled(level Level) bool {
	if f, ok := GetLogger().(*filter); ok {
		return level >= f.level
	}
	return true
}

// Helper adds printf-style sugar and request-scoped context binding on
// top of a Logger.
type Helper struct {
	logger Logger
}

func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

func (h *Helper) log(level Level, format string, a ...any) {
	_ = h.logger.Log(level, "msg", fmt.Sprintf(format, a...))
}

func (h *Helper) Debugf(format string, a ...any) { h.log(LevelDebug, format, a...) }
func (h *Helper) Infof(format string, a ...any)   { h.log(LevelInfo, format, a...) }
func (h *Helper) Warnf(format string, a ...any)   { h.log(LevelWarn, format, a...) }
func (h *Helper) Errorf(format string, a ...any)  { h.log(LevelError, format, a...) }
func (h *Helper) Fatalf(format string, a ...any) {
	h.log(LevelFatal, format, a...)
	os.Exit(1)
}

type loggerContextKey struct{}

// Context returns a Helper bound to any logger previously attached to
// ctx via NewContext, or the process default otherwise.
func Context(ctx context.Context) *Helper {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return NewHelper(l)
	}
	return NewHelper(GetLogger())
}

// NewContext attaches logger to ctx for later retrieval via Context.
func NewContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// package-level sugar against the global default logger.

func Debugf(format string, a ...any) { NewHelper(GetLogger()).Debugf(format, a...) }
func Infof(format string, a ...any)  { NewHelper(GetLogger()).Infof(format, a...) }
func Warnf(format string, a ...any)  { NewHelper(GetLogger()).Warnf(format, a...) }
func Errorf(format string, a ...any) { NewHelper(GetLogger()).Errorf(format, a...) }
func Fatalf(format string, a ...any) { NewHelper(GetLogger()).Fatalf(format, a...) }

func Debug(a ...any) { _ = GetLogger().Log(LevelDebug, "msg", fmt.Sprint(a...)) }
func Fatal(a ...any) {
	_ = GetLogger().Log(LevelFatal, "msg", fmt.Sprint(a...))
	os.Exit(1)
}

var DefaultLogger Logger = NewStdLogger(os.Stderr)
