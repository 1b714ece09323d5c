// Package ashiato records hierarchical execution traces of programs that
// call LLMs. A Tracer opens spans around units of work, carries parentage
// through context.Context, and appends each completed span as one JSON
// object per line to a Sink. The loader and render subpackages rebuild
// and visualize the recorded forest.
package ashiato

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/zoobzio/clockz"
)

// Tracer records spans. It is immutable after New and safe for concurrent
// use from any number of goroutines.
type Tracer struct {
	sink      Sink
	observers []Observer
	observer  Observer
	clock     clockz.Clock
	logger    *slog.Logger
	metadata  map[string]any
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithSink sets the destination for completed span records. Without a
// sink the tracer still derives contexts and IDs but records nothing.
func WithSink(sink Sink) Option {
	return func(t *Tracer) {
		t.sink = sink
	}
}

// WithObserver adds observers that are notified when spans start and end.
// Multiple calls accumulate.
func WithObserver(observers ...Observer) Option {
	return func(t *Tracer) {
		t.observers = append(t.observers, observers...)
	}
}

// WithClock replaces the time source. Tests use a fake clock to get
// deterministic timestamps and durations.
func WithClock(clock clockz.Clock) Option {
	return func(t *Tracer) {
		t.clock = clock
	}
}

// WithLogger sets the logger for the tracer's own diagnostics, such as
// sink write failures. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracer) {
		t.logger = logger
	}
}

// WithMetadata attaches base metadata to every span the tracer records.
// Span-level metadata wins on key collision.
func WithMetadata(metadata map[string]any) Option {
	return func(t *Tracer) {
		t.metadata = cloneMetadata(metadata)
	}
}

// New creates a Tracer.
func New(options ...Option) *Tracer {
	t := &Tracer{
		clock:  clockz.RealClock,
		logger: defaultLogger,
	}
	for _, opt := range options {
		opt(t)
	}
	switch len(t.observers) {
	case 0:
	case 1:
		t.observer = t.observers[0]
	default:
		t.observer = Multi(t.observers...)
	}
	return t
}

var nullTracer = New()

// Trace is the handle returned by StartTrace.
type Trace struct {
	id     string
	tracer *Tracer
	ended  atomic.Bool
}

// ID returns the trace ID.
func (x *Trace) ID() string {
	return x.id
}

// End finishes the trace. It flushes the sink when the sink supports it.
// Ending a trace twice panics.
func (x *Trace) End(ctx context.Context) error {
	if x.ended.Swap(true) {
		panic(goerr.Wrap(ErrTraceEnded, "trace already ended", goerr.V("trace_id", x.id)))
	}
	f, ok := x.tracer.sink.(Flusher)
	if !ok {
		return nil
	}
	if err := f.Flush(ctx); err != nil {
		return goerr.Wrap(err, "failed to flush sink", goerr.V("trace_id", x.id))
	}
	return nil
}

// TraceOption configures StartTrace.
type TraceOption func(*Trace)

// WithTraceID uses the given ID instead of generating one.
func WithTraceID(id string) TraceOption {
	return func(x *Trace) {
		x.id = id
	}
}

// StartTrace begins a trace. The returned context has no open span, so the
// next StartSpan from it creates a root. Starting a trace while another is
// open abandons the old one for the returned context only; contexts derived
// earlier keep recording into the old trace.
func (t *Tracer) StartTrace(ctx context.Context, options ...TraceOption) (context.Context, *Trace) {
	x := &Trace{tracer: t}
	for _, opt := range options {
		opt(x)
	}
	if x.id == "" {
		x.id = NewTraceID()
	}

	ctx = With(ctx, t)
	ctx = ctxWithLogger(ctx, t.logger)
	ctx = withFrame(ctx, &spanFrame{traceID: x.id})
	return ctx, x
}

// StartSpan opens a span as a child of the span currently open in ctx. With
// no open span the new span becomes a root; with no trace in ctx a trace is
// begun implicitly. The span is recorded when End is called on the handle.
func (t *Tracer) StartSpan(ctx context.Context, name string, options ...SpanOption) (context.Context, *ActiveSpan) {
	var traceID, parentID string
	if frame := frameFrom(ctx); frame != nil {
		traceID = frame.traceID
		parentID = frame.spanID
	} else {
		traceID = NewTraceID()
	}

	now := t.clock.Now()
	span := &Span{
		SpanID:       NewSpanID(),
		TraceID:      traceID,
		ParentSpanID: parentID,
		Name:         name,
		Kind:         KindSpan,
		StartedAt:    now.UTC(),
		Metadata:     cloneMetadata(t.metadata),
	}
	for _, opt := range options {
		opt(span)
	}

	ctx = With(ctx, t)
	ctx = withFrame(ctx, &spanFrame{traceID: traceID, spanID: span.SpanID})
	if t.observer != nil {
		ctx = t.observer.StartSpan(ctx, span)
	}

	return ctx, &ActiveSpan{
		tracer: t,
		ctx:    ctx,
		span:   span,
		start:  now,
	}
}

// WithSpan runs fn inside a span. The span ends with fn's error, which is
// returned unchanged. A panic inside fn is recorded as an error span and
// re-raised.
func (t *Tracer) WithSpan(ctx context.Context, name string, fn func(ctx context.Context) error, options ...SpanOption) error {
	ctx, span := t.StartSpan(ctx, name, options...)
	defer func() {
		if r := recover(); r != nil {
			span.End(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	err := fn(ctx)
	span.End(err)
	return err
}

// LogLLMCall records an already-completed model call as a single child span
// of kind "llm_call". Start and end time are both the call time; use
// StartSpan with WithKind(KindLLMCall) to measure an in-flight call instead.
func (t *Tracer) LogLLMCall(ctx context.Context, name string, input, output any, options ...SpanOption) {
	var traceID, parentID string
	if frame := frameFrom(ctx); frame != nil {
		traceID = frame.traceID
		parentID = frame.spanID
	} else {
		traceID = NewTraceID()
	}

	now := t.clock.Now().UTC()
	span := &Span{
		SpanID:       NewSpanID(),
		TraceID:      traceID,
		ParentSpanID: parentID,
		Name:         name,
		Kind:         KindLLMCall,
		StartedAt:    now,
		EndedAt:      now,
		Status:       StatusSuccess,
		Input:        input,
		Output:       output,
		Metadata:     cloneMetadata(t.metadata),
	}
	for _, opt := range options {
		opt(span)
	}

	if t.observer != nil {
		octx := t.observer.StartSpan(ctx, span)
		t.emit(octx, span)
		return
	}
	t.emit(ctx, span)
}

// emit hands a completed record to the sink and then to the observers. A
// sink failure is logged, never propagated into the traced call path.
func (t *Tracer) emit(ctx context.Context, span *Span) {
	if t.sink != nil {
		if err := t.sink.Write(ctx, span); err != nil {
			t.logger.Error("failed to write span record",
				"error", err,
				"trace_id", span.TraceID,
				"span_id", span.SpanID,
				"name", span.Name,
			)
		}
	}
	if t.observer != nil {
		t.observer.EndSpan(ctx, span)
	}
}

// StartSpan opens a span with the tracer carried by ctx. Without one the
// span is derived but recorded nowhere.
func StartSpan(ctx context.Context, name string, options ...SpanOption) (context.Context, *ActiveSpan) {
	return From(ctx).StartSpan(ctx, name, options...)
}

// WithSpan runs fn inside a span with the tracer carried by ctx.
func WithSpan(ctx context.Context, name string, fn func(ctx context.Context) error, options ...SpanOption) error {
	return From(ctx).WithSpan(ctx, name, fn, options...)
}

// LogLLMCall records a completed model call with the tracer carried by ctx.
func LogLLMCall(ctx context.Context, name string, input, output any, options ...SpanOption) {
	From(ctx).LogLLMCall(ctx, name, input, output, options...)
}

// NewTraceID generates a time-ordered trace ID (UUIDv7).
func NewTraceID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewSpanID generates a span ID (UUIDv4).
func NewSpanID() string {
	return uuid.New().String()
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	clone := make(map[string]any, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	return clone
}
