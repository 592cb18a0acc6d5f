package tracing

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/meterly/internal/observability/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/smallbiznis/meterly/http"

// GinMiddleware opens a server span per request, continuing any inbound
// trace context. Quota and rate limit denials are recorded as span events,
// only 5xx responses mark the span as failed.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", c.Request.Method),
			attribute.Int("http.response.status_code", status),
		}
		if route := c.FullPath(); route != "" {
			span.SetName(fmt.Sprintf("%s %s", c.Request.Method, route))
			attrs = append(attrs, attribute.String("http.route", route))
		}
		if requestID := obslogger.RequestIDFromContext(ctx); requestID != "" {
			attrs = append(attrs, attribute.String("meterly.request_id", requestID))
		}
		if userID := obslogger.UserIDFromContext(ctx); userID != "" {
			attrs = append(attrs, attribute.String("meterly.user_id", userID))
		}
		if opType := c.GetString(obslogger.OperationTypeKey); opType != "" {
			attrs = append(attrs, attribute.String("meterly.operation_type", opType))
		}
		span.SetAttributes(attrs...)

		switch {
		case status >= http.StatusInternalServerError:
			if lastErr := c.Errors.Last(); lastErr != nil {
				span.RecordError(lastErr.Err)
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		case status == http.StatusPaymentRequired:
			span.AddEvent("quota_exceeded")
		case status == http.StatusTooManyRequests:
			span.AddEvent("rate_limited")
		}
	}
}
