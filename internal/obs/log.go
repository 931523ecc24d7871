package obs

import (
	"log"
	"os"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
	base  atomic.Pointer[zap.Logger]
)

func init() {
	base.Store(build(zapcore.AddSync(os.Stdout)))
}

// Options configures the process logger.
type Options struct {
	Debug bool
	// File, when set, receives a copy of every line with size based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup replaces the process logger. It is safe to call more than once.
func Setup(o Options) {
	EnableDebug(o.Debug)
	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if o.File != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    max(o.MaxSizeMB, 10),
			MaxBackups: max(o.MaxBackups, 1),
			MaxAge:     max(o.MaxAgeDays, 7),
		}))
	}
	base.Store(build(zapcore.NewMultiWriteSyncer(sinks...)))
}

func build(ws zapcore.WriteSyncer) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, level))
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.SetLevel(zap.DebugLevel)
	} else {
		level.SetLevel(zap.InfoLevel)
	}
}

type Fields map[string]any

func (f Fields) zap() []zap.Field {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.String(k, err.Error()))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

func Info(msg string, f Fields)  { base.Load().Info(msg, f.zap()...) }
func Error(msg string, f Fields) { base.Load().Error(msg, f.zap()...) }
func Debug(msg string, f Fields) { base.Load().Debug(msg, f.zap()...) }

// StdLogger adapts the process logger for libraries that want a *log.Logger.
func StdLogger(component string) *log.Logger {
	l, err := zap.NewStdLogAt(base.Load().With(zap.String("component", component)), zap.DebugLevel)
	if err != nil {
		return zap.NewStdLog(base.Load())
	}
	return l
}

// Sync flushes buffered log output.
func Sync() { _ = base.Load().Sync() }
