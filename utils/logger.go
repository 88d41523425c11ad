package utils

import (
	"context"
	"log/slog"
	"os"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

const prefix = "[strata] "

type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	return &DefaultLogger{logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

func (d *DefaultLogger) Debug(msg string, args ...any) { d.logger.Debug(prefix+msg, args...) }
func (d *DefaultLogger) Info(msg string, args ...any)  { d.logger.Info(prefix+msg, args...) }
func (d *DefaultLogger) Warn(msg string, args ...any)  { d.logger.Warn(prefix+msg, args...) }
func (d *DefaultLogger) Error(msg string, args ...any) { d.logger.Error(prefix+msg, args...) }

// Named returns a logger carrying the given attributes on every
// message, scoping all of a component's output under e.g. its store
// name.
func Named(base Logger, args ...any) Logger {
	if len(args) == 0 {
		return base
	}
	return &namedLogger{base: base, args: args}
}

type namedLogger struct {
	base Logger
	args []any
}

func (n *namedLogger) with(args []any) []any {
	return append(append(make([]any, 0, len(args)+len(n.args)), args...), n.args...)
}

func (n *namedLogger) Debug(msg string, args ...any) { n.base.Debug(msg, n.with(args)...) }
func (n *namedLogger) Info(msg string, args ...any)  { n.base.Info(msg, n.with(args)...) }
func (n *namedLogger) Warn(msg string, args ...any)  { n.base.Warn(msg, n.with(args)...) }
func (n *namedLogger) Error(msg string, args ...any) { n.base.Error(msg, n.with(args)...) }

func (n *namedLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	n.base.DebugCtx(ctx, msg, n.with(args)...)
}

func (n *namedLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	n.base.InfoCtx(ctx, msg, n.with(args)...)
}

func (n *namedLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	n.base.WarnCtx(ctx, msg, n.with(args)...)
}

func (n *namedLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	n.base.ErrorCtx(ctx, msg, n.with(args)...)
}

var defaultArgsKey int

func defaultArgs(ctx context.Context) []any {
	args := ctx.Value(&defaultArgsKey)
	if args == nil {
		return nil
	}
	return args.([]any)
}

// WithDefaultArgs attaches log attributes carried by every *Ctx call
// made under the returned context.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	return context.WithValue(ctx, &defaultArgsKey, append(defaultArgs(ctx), args...))
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Debug(prefix+msg, append(args, defaultArgs(ctx)...)...)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Info(prefix+msg, append(args, defaultArgs(ctx)...)...)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Warn(prefix+msg, append(args, defaultArgs(ctx)...)...)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Error(prefix+msg, append(args, defaultArgs(ctx)...)...)
}
