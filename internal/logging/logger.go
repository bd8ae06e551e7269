// Package logging builds the process logger and adapts it to types.Logger.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"eventbell/internal/types"
)

// New creates a zap logger at the given level. Format "json" selects the
// production encoder; anything else selects the console encoder used locally.
func New(level, format string) (*zap.Logger, error) {
	return newWithWriter(level, format, os.Stdout)
}

func newWithWriter(level, format string, w io.Writer) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zapLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

// Adapter wraps a zap SugaredLogger to implement types.Logger.
// zap's Sugar.With returns *zap.SugaredLogger, not types.Logger, so the
// adapter re-wraps on every With.
type Adapter struct {
	sugar *zap.SugaredLogger
}

var _ types.Logger = (*Adapter)(nil)

// NewAdapter wraps l. A nil logger yields a no-op adapter.
func NewAdapter(l *zap.Logger) *Adapter {
	if l == nil {
		l = zap.NewNop()
	}
	return &Adapter{sugar: l.Sugar()}
}

func (a *Adapter) Info(msg string, args ...any)  { a.sugar.Infow(msg, args...) }
func (a *Adapter) Error(msg string, args ...any) { a.sugar.Errorw(msg, args...) }
func (a *Adapter) Warn(msg string, args ...any)  { a.sugar.Warnw(msg, args...) }

// With returns a child logger carrying the given key/value pairs.
func (a *Adapter) With(args ...any) types.Logger {
	return &Adapter{sugar: a.sugar.With(args...)}
}

// Sync flushes buffered entries. Errors from syncing stdout are ignored by callers.
func (a *Adapter) Sync() error {
	return a.sugar.Sync()
}
