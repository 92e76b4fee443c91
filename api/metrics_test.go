package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"tasklist-api/order"
	"tasklist-api/storage"
)

func TestReorderMetricsLogProducesObservabilityEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newReorderMetrics(context.Background(), logger)
	metrics.start = metrics.start.Add(-50 * time.Millisecond)
	metrics.ObserveDecode(time.Millisecond)
	metrics.ObserveMove(15 * time.Millisecond)
	metrics.ObserveEncode(2 * time.Millisecond)
	metrics.SetTask(7, 2)
	metrics.SetResult(5, true)

	metrics.Log(http.StatusOK, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Message != observabilityEvent {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if got := entry.Data["event.name"]; got != reorderEventName {
		t.Fatalf("unexpected event name: %v", got)
	}
	attrsVal, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not logged as map: %#v", entry.Data["attributes"])
	}
	if attrsVal["http.route"] != reorderRoute {
		t.Fatalf("unexpected route attribute: %#v", attrsVal["http.route"])
	}
	if attrsVal["tasklist.reorder.task_id"] != int64(7) {
		t.Fatalf("unexpected task id: %#v", attrsVal["tasklist.reorder.task_id"])
	}
	if attrsVal["tasklist.reorder.changed"] != true {
		t.Fatalf("expected changed to be true")
	}
	if total, _ := attrsVal["tasklist.reorder.total_ms"].(float64); total < 50 {
		t.Fatalf("expected total duration to include the offset, got %#v", attrsVal["tasklist.reorder.total_ms"])
	}
	if entry.Data["severity_text"] != "INFO" {
		t.Fatalf("unexpected severity text: %v", entry.Data["severity_text"])
	}
	if traceID, ok := entry.Data["trace_id"].(string); !ok || traceID == "" {
		t.Fatalf("expected trace_id to be recorded, got %#v", entry.Data["trace_id"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != reorderSpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	spanAttrs := attributesToMap(span.Attributes)
	if code, ok := spanAttrs["http.status_code"].(int64); !ok || code != int64(http.StatusOK) {
		t.Fatalf("unexpected http.status_code on span: %#v", spanAttrs["http.status_code"])
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", span.Status.Code)
	}

	var event sdktrace.Event
	for _, ev := range span.Events {
		if ev.Name == observabilityEvent {
			event = ev
			break
		}
	}
	if event.Name == "" {
		t.Fatalf("expected %s span event, got %#v", observabilityEvent, span.Events)
	}
	eventAttrs := attributesToMap(event.Attributes)
	if eventAttrs["event.domain"] != reorderEventDomain {
		t.Fatalf("unexpected event.domain attribute: %#v", eventAttrs["event.domain"])
	}
}

func TestReorderMetricsLogWithErrorSetsSpanStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newReorderMetrics(context.Background(), logger)
	metrics.SetErrorStage("move")
	boom := errors.New("store failure")

	metrics.Log(http.StatusInternalServerError, boom)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("expected span status error, got %v", spans[0].Status.Code)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected error level entry, got %#v", entry)
	}
	attrs := attributesToMap(spans[0].Attributes)
	if attrs["tasklist.reorder.error_stage"] != "move" {
		t.Fatalf("expected error stage attribute, got %#v", attrs["tasklist.reorder.error_stage"])
	}
	if attrs["error.message"] != boom.Error() {
		t.Fatalf("expected error.message attribute, got %#v", attrs["error.message"])
	}
}

func TestMoveHandlerNestsOrderSpan(t *testing.T) {
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	logger, hook := test.NewNullLogger()
	mem := storage.NewMemory()
	orders := order.New(mem, order.WithLogger(logger))
	s := &testServer{mem: mem, orders: orders}
	s.seed(t, "A", "B", "C")
	exporter.Reset()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/1/order", strings.NewReader(`{"newOrder":3}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("1")

	if err := moveTask(orders, logger)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	expectStatus(t, rec, http.StatusOK)
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	spans := exporter.GetSpans()
	byName := map[string]tracetest.SpanStub{}
	for _, sp := range spans {
		byName[sp.Name] = sp
	}
	parent, ok := byName[reorderSpanName]
	if !ok {
		t.Fatalf("missing %s span: %v", reorderSpanName, spans)
	}
	child, ok := byName["order.move"]
	if !ok {
		t.Fatalf("missing order.move span")
	}
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Fatalf("order.move is not a child of the request span")
	}

	var found bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == observabilityEvent {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected reorder metrics entry")
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{name: "ok", status: http.StatusOK, wantText: "INFO", wantNumber: 9},
		{name: "warn", status: http.StatusBadRequest, wantText: "WARN", wantNumber: 13},
		{name: "error", status: http.StatusInternalServerError, wantText: "ERROR", wantNumber: 17},
		{name: "errorFromErr", status: 0, err: errors.New("boom"), wantText: "ERROR", wantNumber: 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotText, gotNumber := severityForStatus(tt.status, tt.err)
			if gotText != tt.wantText || gotNumber != tt.wantNumber {
				t.Fatalf("severityForStatus(%d, %v) = %s/%d, want %s/%d", tt.status, tt.err, gotText, gotNumber, tt.wantText, tt.wantNumber)
			}
		})
	}
}

func TestAccessLogRecordsRequest(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	e.Use(AccessLog(logger))
	e.GET("/count", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/count", nil)
	req.Header.Set(echo.HeaderXRequestID, "rid-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "http.request" {
		t.Fatalf("expected access log entry, got %#v", entry)
	}
	if entry.Data["status"] != http.StatusNoContent || entry.Data["route"] != "/count" || entry.Data["request_id"] != "rid-1" {
		t.Fatalf("unexpected fields: %#v", entry.Data)
	}
	if rec.Header().Get(echo.HeaderXRequestID) != "rid-1" {
		t.Fatalf("request id not echoed")
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if entry := hook.LastEntry(); entry.Data["status"] != http.StatusNotFound {
		t.Fatalf("expected 404 to be logged, got %#v", entry.Data["status"])
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatalf("expected generated request id")
	}
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}
