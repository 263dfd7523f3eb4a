package log

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/omalloc/scangate/conf"
)

// Level aliases so call sites don't import zapcore.
const (
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
)

var (
	base  *zap.Logger
	sugar *zap.SugaredLogger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	base = zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stdout),
		level,
	))
	sugar = base.Sugar().With("pid", os.Getpid())
}

// Init rebuilds the global logger from config. Called once at startup,
// before any server starts serving.
func Init(c *conf.Logger) {
	if c == nil {
		return
	}

	if lv, err := zapcore.ParseLevel(c.Level); err == nil {
		level.SetLevel(lv)
	}

	sink := zapcore.Lock(os.Stdout)
	if c.Path != "" {
		_ = os.MkdirAll(filepath.Dir(c.Path), 0o755)
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.Path,
			MaxSize:    c.MaxSize,
			MaxAge:     c.MaxAge,
			MaxBackups: c.MaxBackups,
			LocalTime:  true,
			Compress:   c.Compress,
		})
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder

	opts := []zap.Option{}
	if c.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	base = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), sink, level), opts...)
	sugar = base.Sugar()
	if !c.NoPid {
		sugar = sugar.With("pid", os.Getpid())
	}
}

// Enabled reports whether the given level would be logged.
func Enabled(lv zapcore.Level) bool {
	return level.Enabled(lv)
}

// With returns a child logger with extra key/value pairs attached.
func With(args ...any) *zap.SugaredLogger {
	return sugar.With(args...)
}

func Sync() error { return base.Sync() }

func Debug(args ...any)                 { sugar.Debug(args...) }
func Debugf(format string, args ...any) { sugar.Debugf(format, args...) }
func Info(args ...any)                  { sugar.Info(args...) }
func Infof(format string, args ...any)  { sugar.Infof(format, args...) }
func Warn(args ...any)                  { sugar.Warn(args...) }
func Warnf(format string, args ...any)  { sugar.Warnf(format, args...) }
func Error(args ...any)                 { sugar.Error(args...) }
func Errorf(format string, args ...any) { sugar.Errorf(format, args...) }
func Fatal(args ...any)                 { sugar.Fatal(args...) }
func Fatalf(format string, args ...any) { sugar.Fatalf(format, args...) }
