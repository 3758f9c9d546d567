// Package logging wraps zap behind the small Logger surface the rest of the
// codebase depends on. Components take a Logger, never *zap.Logger, so tests
// can pass a no-op implementation.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface used across the codebase.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Named(name string) Logger
	Sync() error
}

type options struct {
	name  string
	path  string // directory for the rotating log file; empty = console only
	level zapcore.Level
}

// Option configures NewApplicationLogger.
type Option func(*options)

// Name sets the root logger name (also the log file basename).
func Name(name string) Option { return func(o *options) { o.name = name } }

// Path enables file output with rotation under the given directory.
func Path(dir string) Option { return func(o *options) { o.path = dir } }

// Level sets the minimum level ("debug", "info", "warn", "error").
// Unparseable values fall back to info.
func Level(level string) Option {
	return func(o *options) {
		if l, err := zapcore.ParseLevel(level); err == nil {
			o.level = l
		}
	}
}

type appLogger struct {
	s *zap.SugaredLogger
}

// NewApplicationLogger builds the process logger: console encoder to stderr,
// plus a rotating JSON file when a Path option is given.
func NewApplicationLogger(opts ...Option) (Logger, error) {
	o := options{name: "securecall", level: zapcore.InfoLevel}
	for _, fn := range opts {
		fn(&o)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			o.level,
		),
	}
	if o.path != "" {
		if err := os.MkdirAll(o.path, 0o755); err != nil {
			return nil, err
		}
		w := &lumberjack.Logger{
			Filename:   filepath.Join(o.path, o.name+".log"),
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(w),
			o.level,
		))
	}

	z := zap.New(zapcore.NewTee(cores...)).Named(o.name)
	return &appLogger{s: z.Sugar()}, nil
}

func (l *appLogger) Debugf(template string, args ...interface{}) { l.s.Debugf(template, args...) }
func (l *appLogger) Infof(template string, args ...interface{})  { l.s.Infof(template, args...) }
func (l *appLogger) Warnf(template string, args ...interface{})  { l.s.Warnf(template, args...) }
func (l *appLogger) Errorf(template string, args ...interface{}) { l.s.Errorf(template, args...) }
func (l *appLogger) Named(name string) Logger                    { return &appLogger{s: l.s.Named(name)} }
func (l *appLogger) Sync() error                                 { return l.s.Sync() }

// Nop returns a logger that discards everything. Used in tests.
func Nop() Logger { return &appLogger{s: zap.NewNop().Sugar()} }
