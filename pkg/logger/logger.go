package logger

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	LevelInfo LogLevel = iota
	LevelDebug
	LevelTrace
)

type Logger struct {
	sugar      *zap.SugaredLogger
	out        io.Writer
	prefix     string
	json       bool
	timestamps bool
	level      LogLevel
	isVerbose  bool
}

type Option func(*Logger)

func WithOutput(w io.Writer) Option {
	return func(l *Logger) {
		l.out = w
	}
}

func WithPrefix(prefix string) Option {
	return func(l *Logger) {
		l.prefix = strings.Trim(strings.TrimSpace(prefix), "[]")
	}
}

// WithJSON switches from the console encoder to zap's JSON encoder.
func WithJSON(enabled bool) Option {
	return func(l *Logger) {
		l.json = enabled
	}
}

func WithTimestamps(enabled bool) Option {
	return func(l *Logger) {
		l.timestamps = enabled
	}
}

func New(options ...Option) *Logger {
	l := &Logger{
		out:        os.Stdout,
		level:      LevelInfo,
		isVerbose:  false,
		timestamps: true,
	}

	for _, opt := range options {
		opt(l)
	}

	l.sugar = l.build()
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), out: io.Discard}
}

func (l *Logger) build() *zap.SugaredLogger {
	var encoder zapcore.Encoder
	if l.json {
		cfg := zap.NewProductionEncoderConfig()
		if !l.timestamps {
			cfg.TimeKey = ""
		}
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		if !l.timestamps {
			cfg.TimeKey = ""
		}
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(l.out), zapcore.DebugLevel)
	sugar := zap.New(core).Sugar()
	if l.prefix != "" {
		sugar = sugar.Named(l.prefix)
	}
	return sugar
}

func (l *Logger) SetVerbose(verbose bool) {
	l.isVerbose = verbose
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	if level >= LevelDebug {
		l.isVerbose = true
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.isVerbose {
		l.sugar.Debugf(format, args...)
	}
}

func (l *Logger) Trace(format string, args ...interface{}) {
	if l.level >= LevelTrace {
		l.sugar.Debugf("TRACE: "+format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *Logger) Fatal(format string, args ...interface{}) {
	l.sugar.Fatalf(format, args...)
}

// With returns a child logger that attaches the key/value pairs to every
// entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	child := *l
	child.sugar = l.sugar.With(keysAndValues...)
	return &child
}

func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}
