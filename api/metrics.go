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
	instrumentationName = "tasklist-api/api"
	reorderSpanName     = "tasks.reorder"
	reorderEventName    = "tasks.reorder.metrics"
	reorderEventDomain  = "tasklist"
	reorderRoute        = "/:id/order"
	observabilityEvent  = "observability.event"
)

// reorderMetrics records the stages of a single PUT /:id/order request and
// reports them once as a log entry and a span event.
type reorderMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	decodeDuration time.Duration
	moveDuration   time.Duration
	encodeDuration time.Duration
	taskID         int64
	target         int
	previous       int
	changed        bool
	resultKnown    bool
	errorStage     string
}

func newReorderMetrics(ctx context.Context, logger *log.Logger) (*reorderMetrics, context.Context) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, reorderSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", reorderRoute)),
	)
	return &reorderMetrics{logger: logger, span: span, start: time.Now()}, ctx
}

func (m *reorderMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *reorderMetrics) ObserveMove(d time.Duration) {
	if d > 0 {
		m.moveDuration = d
	}
}

func (m *reorderMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *reorderMetrics) SetTask(id int64, target int) {
	m.taskID = id
	m.target = target
}

func (m *reorderMetrics) SetResult(previous int, changed bool) {
	m.previous = previous
	m.changed = changed
	m.resultKnown = true
}

func (m *reorderMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log emits the collected measurements and ends the request span.
func (m *reorderMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", reorderRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64("tasklist.reorder.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.taskID != 0 {
		attrs = append(attrs,
			attribute.Int64("tasklist.reorder.task_id", m.taskID),
			attribute.Int("tasklist.reorder.target", m.target))
	}
	if m.resultKnown {
		attrs = append(attrs,
			attribute.Int("tasklist.reorder.previous", m.previous),
			attribute.Bool("tasklist.reorder.changed", m.changed))
	}
	if m.decodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("tasklist.reorder.decode_ms", durationToMillis(m.decodeDuration)))
	}
	if m.moveDuration > 0 {
		attrs = append(attrs, attribute.Float64("tasklist.reorder.move_ms", durationToMillis(m.moveDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("tasklist.reorder.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("tasklist.reorder.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", reorderEventName),
			attribute.String("event.domain", reorderEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if severityNumber >= severityError {
			msg := http.StatusText(status)
			if err != nil {
				msg = err.Error()
				m.span.RecordError(err)
			}
			m.span.SetStatus(codes.Error, msg)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attributes := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attributes[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      reorderEventName,
		"event.domain":    reorderEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attributes,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch {
	case severityNumber >= severityError:
		entry.Error(observabilityEvent)
	case severityNumber >= severityWarn:
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

// OpenTelemetry log severity numbers.
const (
	severityInfo  = 9
	severityWarn  = 13
	severityError = 17
)

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError, status == 0 && err != nil:
		return "ERROR", severityError
	case status >= http.StatusBadRequest:
		return "WARN", severityWarn
	default:
		return "INFO", severityInfo
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
