package log

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	Level       string
	Encoding    string // "json" or "console"
	Development bool
}

var (
	mu     sync.RWMutex
	global = zap.NewNop()
)

// New builds a zap logger writing to stderr. Stdout is left alone because
// decrypted plaintext may be streamed there.
func New(cfg Config) (*zap.Logger, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(cfg.Encoding) {
	case "", "json":
		zc.Encoding = "json"
	case "console":
		zc.Encoding = "console"
	default:
		return nil, errors.Errorf("log: unknown encoding %q", cfg.Encoding)
	}

	l, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "log: build logger")
	}
	return l, nil
}

// Init builds a logger from cfg and installs it as the process-wide logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	ReplaceGlobal(l)
	return nil
}

// ReplaceGlobal swaps the process-wide logger and returns a func restoring
// the previous one.
func ReplaceGlobal(l *zap.Logger) func() {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	prev := global
	global = l
	mu.Unlock()
	return func() { ReplaceGlobal(prev) }
}

func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// OrGlobal returns l, or the process-wide logger when l is nil.
func OrGlobal(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return L()
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Log writes msg at the given level. Unknown levels are logged at info.
func Log(level Level, msg string, fields ...zap.Field) {
	lvl, err := parseLevel(string(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if ce := L().Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return lvl, errors.Wrapf(err, "log: invalid level %q", s)
	}
	return lvl, nil
}
