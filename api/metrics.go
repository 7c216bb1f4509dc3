package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "fieldboard/api"
	requestSpanName  = "board.api.request"
	requestEventName = "request.metrics"
)

// requestMetrics collects per request timings and emits them once, both as a
// structured log line and as attributes on the request span.
type requestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	route          string
	start          time.Time
	authDuration   time.Duration
	storeDuration  time.Duration
	encodeDuration time.Duration
	tasks          int
	duplicate      bool
	errorStage     string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration = d
	}
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *requestMetrics) SetTasks(n int) {
	m.tasks = max(n, 0)
}

func (m *requestMetrics) SetDuplicate(dup bool) {
	m.duplicate = dup
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and writes the metrics event. It must be called once.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	total := durationToMillis(time.Since(m.start))

	attrs := []attribute.KeyValue{
		attribute.Int("http.status_code", status),
		attribute.Float64("board.total_ms", total),
		attribute.Int("board.tasks", m.tasks),
		attribute.Bool("board.duplicate", m.duplicate),
	}
	fields := log.Fields{
		"route":     m.route,
		"status":    status,
		"total_ms":  total,
		"tasks":     m.tasks,
		"duplicate": m.duplicate,
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.storeDuration > 0 {
		fields["store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
		attrs = append(attrs, attribute.String("board.error_stage", m.errorStage))
	}
	if err != nil {
		fields["error"] = err.Error()
		m.span.RecordError(err)
	}
	if sc := m.span.SpanContext(); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}

	m.span.SetAttributes(attrs...)
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, m.errorStage)
	default:
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	if m.logger != nil {
		m.logger.WithFields(fields).Info(requestEventName)
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
