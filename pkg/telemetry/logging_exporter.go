package telemetry

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const redacted = "[redacted]"

// sensitiveSuffixes mark attribute keys whose values never reach the log.
var sensitiveSuffixes = []string{".token", ".secret", ".key", ".ciphertext", ".payload"}

// loggingExporter writes finished spans as log lines. Failed spans log at
// warn level so they survive an info-level production config.
type loggingExporter struct {
	logger zerolog.Logger
}

func newLoggingExporterWithLogger(logger zerolog.Logger) sdktrace.SpanExporter {
	return &loggingExporter{logger: logger}
}

func (l *loggingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		event := l.logger.Debug()
		if st := span.Status(); st.Code == codes.Error {
			event = l.logger.Warn().Str("status", st.Description)
		}

		sc := span.SpanContext()
		event = event.Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Str("span_name", span.Name()).
			Dur("duration", span.EndTime().Sub(span.StartTime()))
		if parent := span.Parent(); parent.IsValid() {
			event = event.Str("parent_span_id", parent.SpanID().String())
		}
		if fields := spanFields(span.Attributes()); len(fields) > 0 {
			event = event.Fields(fields)
		}
		event.Msg("span")
	}
	return nil
}

func spanFields(attrs []attribute.KeyValue) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	fields := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		key := string(attr.Key)
		if isSensitive(key) {
			fields[key] = redacted
			continue
		}
		fields[key] = attr.Value.AsInterface()
	}
	return fields
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

func (l *loggingExporter) Shutdown(context.Context) error { return nil }

func (l *loggingExporter) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*loggingExporter)(nil)
