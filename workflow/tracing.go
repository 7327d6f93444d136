package workflow

import (
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mmdatafocus/stock_engine/workflow")

func scopeAttributes(scope models.Scope) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("tenant_id", scope.TenantId()),
		attribute.String("location_id", scope.LocationId()),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func scopeFields(component string, scope models.Scope) logrus.Fields {
	return logrus.Fields{
		"field":       component,
		"tenant_id":   scope.TenantId(),
		"location_id": scope.LocationId(),
	}
}
