// Package logging provides the broker's structured logger, a thin
// wrapper around zap.SugaredLogger so call sites never import zap
// directly.
package logging

import (
	"testing"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface used throughout the broker.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Named(name string) Logger
	Sync() error
}

type impl struct {
	name  string
	cores []zapcore.Core
	sugar *zap.SugaredLogger
}

func newZapConfig() zap.Config {
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// NewLogger returns a new console logger at info level.
func NewLogger(name string) Logger {
	l := zap.Must(newZapConfig().Build())
	return &impl{name: name, sugar: l.Sugar().Named(name)}
}

// NewFileLogger returns a logger that writes to stdout and additionally
// rotates JSON lines into path via lumberjack, for long-running daemon
// deployments.
func NewFileLogger(name, path string) Logger {
	console := zap.Must(newZapConfig().Build())

	fileEncoder := zapcore.NewJSONEncoder(newZapConfig().EncoderConfig)
	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
	})
	fileCore := zapcore.NewCore(fileEncoder, fileWriter, zap.InfoLevel)

	combined := zapcore.NewTee(console.Core(), fileCore)
	l := zap.New(combined)
	return &impl{name: name, cores: []zapcore.Core{console.Core(), fileCore}, sugar: l.Sugar().Named(name)}
}

// NewTestLogger returns a logger suitable for use inside *testing.T.
func NewTestLogger(tb testing.TB) Logger {
	tb.Helper()
	cfg := newZapConfig()
	cfg.OutputPaths = []string{"stdout"}
	l := zap.Must(cfg.Build())
	return &impl{name: tb.Name(), sugar: l.Sugar().Named(tb.Name())}
}

func (l *impl) Debugw(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *impl) Infow(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *impl) Warnw(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *impl) Errorw(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

func (l *impl) Named(name string) Logger {
	return &impl{name: l.name + "." + name, cores: l.cores, sugar: l.sugar.Named(name)}
}

func (l *impl) Sync() error {
	return multierr.Combine(l.sugar.Sync())
}
