package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes events and spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the metrics HTTP server if one is configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Operation is one instrumented client operation, such as a batch request.
// Its Ctx carries the span and a logger tagged with the operation name and,
// when the span is recording, its trace and span IDs.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an operation. Without telemetry in ctx it only times
// the work and logs through the context logger.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	logger := FromContext(ctx).WithField("operation", name)
	tel := FromTelemetryContext(ctx)
	if tel == nil || tel.Tracer == nil {
		return &Operation{Ctx: ctx, Logger: logger, Timer: NewTimer()}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, name, attrs...)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithFields(map[string]any{
			"trace_id": id,
			"span_id":  SpanID(spanCtx),
		})
	}
	return &Operation{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End closes the operation, logging and recording err on the span.
func (op *Operation) End(err error) {
	logger := op.Logger.WithField("duration_ms", op.Timer.Duration().Milliseconds())
	if err != nil {
		logger.WithError(err).Warn("operation failed")
	} else {
		logger.Debug("operation finished")
	}
	if op.Span == nil {
		return
	}
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}

type runStateKey struct{}

type runState struct {
	runID   string
	stepURI string
	span    trace.Span
	timer   *Timer
}

// WithRunContext opens the telemetry scope of one step run. stepName is the
// configured step name and labels the started metric.
func WithRunContext(ctx context.Context, runID, stepURI, stepName, user string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, stepURI)
	logger := FromContext(ctx).WithRunID(runID).WithField("user", user)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted(stepName)
	_ = tel.Events.PublishRunStarted(runID, stepURI, user)

	return context.WithValue(spanCtx, runStateKey{}, &runState{
		runID:   runID,
		stepURI: stepURI,
		span:    span,
		timer:   NewTimer(),
	})
}

// EndRunContext closes the scope opened by WithRunContext. state is the last
// state the run reached.
func EndRunContext(ctx context.Context, state string, err error) {
	tel := FromTelemetryContext(ctx)
	rs, ok := ctx.Value(runStateKey{}).(*runState)
	if tel == nil || !ok {
		return
	}

	duration := rs.timer.Duration()
	status := "completed"
	if err != nil {
		status = "failed"
		FromContext(ctx).WithError(err).WithField("state", state).Warn("step run failed")
		RecordError(rs.span, err)
		_ = tel.Events.PublishRunFailed(rs.runID, rs.stepURI, state, err.Error())
	} else {
		RecordSuccess(rs.span)
		_ = tel.Events.PublishRunCompleted(rs.runID, rs.stepURI, duration)
	}
	rs.span.SetAttributes(AttrRunStatus.String(status))
	rs.span.End()

	tel.Metrics.RecordRunCompleted(status, duration)
}

// RunIDFromContext returns the run ID set by WithRunContext.
func RunIDFromContext(ctx context.Context) string {
	if rs, ok := ctx.Value(runStateKey{}).(*runState); ok {
		return rs.runID
	}
	return ""
}

// ScreenTransition records a move between screens on the active run.
func ScreenTransition(ctx context.Context, stepURI, from, to string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordStepTransition(from, to)
	_ = tel.Events.PublishStepStateChanged(RunIDFromContext(ctx), stepURI, from, to)
	AddRunEvent(SpanFromContext(ctx), EventTypeStepStateChanged, from+" -> "+to)
}
