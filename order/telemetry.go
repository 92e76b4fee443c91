package order

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"tasklist-api/domain"
)

const instrumentationName = "tasklist-api/order"

const (
	operationsMetric   = "tasklist.order.operations"
	affectedRowsMetric = "tasklist.order.affected_rows"
)

type instruments struct {
	operations metric.Int64Counter
	affected   metric.Int64Histogram
}

func newInstruments(mp metric.MeterProvider) *instruments {
	meter := mp.Meter(instrumentationName)
	inst := &instruments{}
	var err error
	inst.operations, err = meter.Int64Counter(operationsMetric,
		metric.WithDescription("Order manager operations by outcome"))
	if err != nil {
		otel.Handle(err)
	}
	inst.affected, err = meter.Int64Histogram(affectedRowsMetric,
		metric.WithDescription("Rows shifted by a single order manager operation"))
	if err != nil {
		otel.Handle(err)
	}
	return inst
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// outcome classifies err for the operations counter.
func outcome(err error) string {
	var rangeErr *domain.InvalidRangeError
	var verr *domain.ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.As(err, &rangeErr):
		return "invalid_range"
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (i *instruments) record(ctx context.Context, span trace.Span, op string, err error, affected int) {
	res := outcome(err)
	span.SetAttributes(attribute.Int("order.affected", affected), attribute.String("order.outcome", res))
	if res == "error" || res == "canceled" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if i == nil {
		return
	}
	opAttr := attribute.String("op", op)
	if i.operations != nil {
		i.operations.Add(ctx, 1, metric.WithAttributes(opAttr, attribute.String("outcome", res)))
	}
	if i.affected != nil && err == nil {
		i.affected.Record(ctx, int64(affected), metric.WithAttributes(opAttr))
	}
}
