package metrics

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/examly/internal/observability/context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics holds the request instruments. Labels stay low-cardinality:
// route template, status class and identity kind.
type HTTPMetrics struct {
	requestDuration metric.Float64Histogram
	inFlight        metric.Int64UpDownCounter
}

func NewHTTPMetrics(cfg Config, provider metric.MeterProvider) (*HTTPMetrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "examly"
	}
	meter := provider.Meter(name + "/http")

	requestDuration, err := meter.Float64Histogram("examly.http.server.duration_ms",
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("examly.http.server.in_flight")
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{
		requestDuration: requestDuration,
		inFlight:        inFlight,
	}, nil
}

// GinMiddleware records request latency. A nil m turns it into a pass-through.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		route := routeLabel(c.FullPath())
		inFlightAttrs := metric.WithAttributes(attribute.String("route", route))

		m.inFlight.Add(ctx, 1, inFlightAttrs)
		start := time.Now()
		c.Next()
		m.inFlight.Add(ctx, -1, inFlightAttrs)

		kind, _ := obscontext.IdentityFromContext(c.Request.Context())
		if kind == "" {
			kind = "none"
		}
		attrs := FilterAttributes(
			attribute.String("route", route),
			attribute.String("status_class", statusClass(c.Writer.Status())),
			attribute.String("identity", kind),
		)
		m.requestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	}
}

func routeLabel(route string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return "unmatched"
	}
	return route
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
