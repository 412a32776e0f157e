package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// TracingHandler is a JSON slog handler that stamps trace_id and span_id
// from the record's context.
type TracingHandler struct {
	handler slog.Handler
}

// NewTracingHandler creates a handler writing JSON to w.
func NewTracingHandler(w io.Writer, opts *slog.HandlerOptions) *TracingHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &TracingHandler{handler: slog.NewJSONHandler(w, opts)}
}

func (h *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.handler.Handle(ctx, record)
}

func (h *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{handler: h.handler.WithGroup(name)}
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger builds the service logger and installs it as the slog default.
func InitLogger(serviceName, level string) *slog.Logger {
	return initLogger(os.Stdout, serviceName, level)
}

func initLogger(w io.Writer, serviceName, level string) *slog.Logger {
	logger := slog.New(NewTracingHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})).With(slog.String("service", serviceName))

	slog.SetDefault(logger)
	return logger
}

// LogInvariantViolation reports an internal bug distinctly from user errors.
func LogInvariantViolation(ctx context.Context, logger *slog.Logger, op string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	InvariantViolations.WithLabelValues(op).Inc()
	args := append([]any{
		slog.String("kind", "invariant_violation"),
		slog.String("op", op),
		slog.String("error", err.Error()),
	}, attrs...)
	logger.ErrorContext(ctx, "invariant violation", args...)
}
