// Package requestctx carries per-request values through the context:
// the request-scoped zap logger and the Cloud Trace ids that tie a
// checkout's log lines to its trace.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

// Unexported key type so other packages cannot collide with these keys.
type ctxKey int

const (
	loggerKey ctxKey = iota
	traceKey
)

var nopLogger = zap.NewNop()

// TraceInfo is the trace identity the tracing middleware resolves for a
// request. ProjectID rides along so log entries can build the
// logging.googleapis.com/trace resource name without extra plumbing.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger attaches a request-scoped logger. A nil logger is replaced
// with the shared no-op so Logger never hands back nil.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = nopLogger
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request logger, or a no-op logger when the request
// never passed through the logging middleware. Background jobs and
// tests hit the no-op path.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return nopLogger
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		return nopLogger
	}
	return logger
}

// NoopLogger returns the shared no-op logger.
func NoopLogger() *zap.Logger { return nopLogger }

// WithTrace attaches the resolved trace identity to the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey, info)
}

// Trace reports the trace identity and whether one was attached.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID returns the bare trace id, empty when the request is untraced.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
