package utils

import (
	"context"
	"io"
	"log/slog"
	"os"
)

const prefix = "[margo] "

// Logger is the logging surface every component takes. The ...Ctx
// variants merge default key-value args carried in the context, so
// operation identity (corpus, holder, key) set once at an entry point
// tags every line logged below it.
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

type DefaultLogger struct {
	logger *slog.Logger
}

// NewDefaultLogger logs prefixed text lines to stderr.
func NewDefaultLogger(level slog.Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger logs prefixed text lines to w.
func NewLogger(w io.Writer, level slog.Level) *DefaultLogger {
	return &DefaultLogger{logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))}
}

type defaultArgsKey struct{}

// WithDefaultArgs returns a context whose default args extend those
// already present. The merged slice is a copy, so sibling contexts
// derived from the same parent never see each other's args.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	prior := defaultArgs(ctx)
	merged := make([]any, 0, len(prior)+len(args))
	merged = append(merged, prior...)
	merged = append(merged, args...)
	return context.WithValue(ctx, defaultArgsKey{}, merged)
}

func defaultArgs(ctx context.Context) []any {
	args, _ := ctx.Value(defaultArgsKey{}).([]any)
	return args
}

// ctxArgs puts the context's default args ahead of the call's own.
func ctxArgs(ctx context.Context, args []any) []any {
	def := defaultArgs(ctx)
	if len(def) == 0 {
		return args
	}
	out := make([]any, 0, len(def)+len(args))
	out = append(out, def...)
	return append(out, args...)
}

func (d *DefaultLogger) Debug(msg string, args ...any) { d.logger.Debug(prefix+msg, args...) }
func (d *DefaultLogger) Info(msg string, args ...any)  { d.logger.Info(prefix+msg, args...) }
func (d *DefaultLogger) Warn(msg string, args ...any)  { d.logger.Warn(prefix+msg, args...) }
func (d *DefaultLogger) Error(msg string, args ...any) { d.logger.Error(prefix+msg, args...) }

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Debug(prefix+msg, ctxArgs(ctx, args)...)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Info(prefix+msg, ctxArgs(ctx, args)...)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Warn(prefix+msg, ctxArgs(ctx, args)...)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Error(prefix+msg, ctxArgs(ctx, args)...)
}
