package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

// LevelTrace sits below slog's debug level.
const LevelTrace = slog.Level(-8)

// Options configures New.
type Options struct {
	Debug  bool
	Format string // "text" or "json"
	Output io.Writer
}

// Logger adapts a *slog.Logger to glog.Logger.
type Logger struct {
	base *slog.Logger
	ctx  context.Context
	exit func(int)
}

var _ glog.Logger = (*Logger)(nil)

// New builds a root logger.
func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return &Logger{base: slog.New(handler), ctx: context.Background(), exit: os.Exit}
}

// Named returns a child logger tagged with component=name.
func (l *Logger) Named(name string) glog.Logger {
	return &Logger{base: l.base.With("component", name), ctx: l.ctx, exit: l.exit}
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	l.base.Log(l.ctx, level, msg, args...)
}

func (l *Logger) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// Fatal logs at error level and exits with status 1.
func (l *Logger) Fatal(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
	l.exit(1)
}

func (l *Logger) WithContext(ctx context.Context) glog.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Logger{base: l.base, ctx: ctx, exit: l.exit}
}

// Named tags logger with a component when it is one of ours and otherwise
// returns it unchanged. A nil logger resolves to a no-op logger.
func Named(logger glog.Logger, name string) glog.Logger {
	if named, ok := logger.(interface{ Named(string) glog.Logger }); ok {
		return named.Named(name)
	}
	return glog.Ensure(logger)
}
