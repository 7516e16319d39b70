package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// RecordedSpan is a finished span reduced to what poll stage checks need.
// Attribute values go through the same redaction as the logging exporter.
type RecordedSpan struct {
	Name     string
	SpanID   trace.SpanID
	ParentID trace.SpanID
	Failed   bool
	Attrs    map[string]any
}

// SpanRecorder keeps finished spans in memory, keyed by name in end order.
type SpanRecorder struct {
	mu    sync.Mutex
	order []string
	spans map[string][]RecordedSpan
}

func NewSpanRecorder() *SpanRecorder {
	return &SpanRecorder{spans: make(map[string][]RecordedSpan)}
}

// Install makes a provider backed by r the global one. The returned func
// restores the previous provider and shuts the new one down.
func (r *SpanRecorder) Install() func() {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(r))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	return func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	}
}

func (r *SpanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(span sdktrace.ReadOnlySpan) {
	rec := RecordedSpan{
		Name:     span.Name(),
		SpanID:   span.SpanContext().SpanID(),
		ParentID: span.Parent().SpanID(),
		Failed:   span.Status().Code == codes.Error,
		Attrs:    spanFields(span.Attributes()),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.spans[rec.Name]; !seen {
		r.order = append(r.order, rec.Name)
	}
	r.spans[rec.Name] = append(r.spans[rec.Name], rec)
}

func (r *SpanRecorder) Shutdown(context.Context) error { return nil }

func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

// Span returns the first finished span called name.
func (r *SpanRecorder) Span(name string) (RecordedSpan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if spans := r.spans[name]; len(spans) > 0 {
		return spans[0], true
	}
	return RecordedSpan{}, false
}

// Children lists the names of spans whose parent is the first span called
// name, in the order they first ended.
func (r *SpanRecorder) Children(name string) []string {
	parent, ok := r.Span(name)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.order {
		for _, span := range r.spans[n] {
			if span.ParentID == parent.SpanID {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Names lists every recorded span name in the order it first ended.
func (r *SpanRecorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)
