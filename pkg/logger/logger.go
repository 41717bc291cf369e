// Package logger provides the process-wide structured logger used by every
// other package in toolman. It wraps a zap.SugaredLogger behind a swappable
// singleton so call sites never have to thread a logger through
// constructors for the common case, while still allowing tests (and
// embedders) to install their own sink.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	singleton.Store(newDefault())
}

// environment abstracts os.Getenv so the format-detection logic is testable
// without mutating real process environment.
type environment interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func newDefault() *zap.SugaredLogger {
	return build(osEnv{})
}

func build(env environment) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if lvl := env.Getenv("TOOLMAN_LOG_LEVEL"); lvl != "" {
		var parsed zapcore.Level
		if err := parsed.UnmarshalText([]byte(lvl)); err == nil {
			level = parsed
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if unstructuredLogsWithEnv(env) {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(consoleCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// unstructuredLogsWithEnv mirrors the TOOLMAN_LOG_FORMAT=console /
// UNSTRUCTURED_LOGS opt-in: unknown or unset values default to true (human
// readable) since that is friendliest for local `thv`-style CLI usage; an
// explicit "false" forces JSON.
func unstructuredLogsWithEnv(env environment) bool {
	v := env.Getenv("TOOLMAN_LOG_FORMAT")
	if v == "" {
		v = env.Getenv("UNSTRUCTURED_LOGS")
	}
	if v == "" {
		return true
	}
	if v == "console" {
		return true
	}
	if v == "json" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Get returns the active singleton logger.
func Get() *zap.SugaredLogger {
	return singleton.Load()
}

// SetForTest installs l as the singleton and returns a restore function.
// Intended for use from test helpers only.
func SetForTest(l *zap.SugaredLogger) func() {
	prev := singleton.Load()
	singleton.Store(l)
	return func() { singleton.Store(prev) }
}

// NewLogr adapts the active singleton to a logr.Logger, for the handful of
// collaborators (e.g. the session idle sweeper) that accept one.
func NewLogr() logr.Logger {
	return zapr.NewLogger(singleton.Load().Desugar())
}

func Debug(args ...any)                 { Get().Debug(args...) }
func Debugf(template string, args ...any) { Get().Debugf(template, args...) }
func Debugw(msg string, kv ...any)      { Get().Debugw(msg, kv...) }

func Info(args ...any)                  { Get().Info(args...) }
func Infof(template string, args ...any) { Get().Infof(template, args...) }
func Infow(msg string, kv ...any)       { Get().Infow(msg, kv...) }

func Warn(args ...any)                  { Get().Warn(args...) }
func Warnf(template string, args ...any) { Get().Warnf(template, args...) }
func Warnw(msg string, kv ...any)       { Get().Warnw(msg, kv...) }

func Error(args ...any)                 { Get().Error(args...) }
func Errorf(template string, args ...any) { Get().Errorf(template, args...) }
func Errorw(msg string, kv ...any)      { Get().Errorw(msg, kv...) }

func DPanic(args ...any)                 { Get().DPanic(args...) }
func DPanicf(template string, args ...any) { Get().DPanicf(template, args...) }
func DPanicw(msg string, kv ...any)      { Get().DPanicw(msg, kv...) }

func Panic(args ...any)                 { Get().Panic(args...) }
func Panicf(template string, args ...any) { Get().Panicf(template, args...) }
func Panicw(msg string, kv ...any)      { Get().Panicw(msg, kv...) }
