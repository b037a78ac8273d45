package observability

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by service, endpoint, method, and status.",
		},
		[]string{"service", "endpoint", "method", "status"},
	)
	messageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_bus_messages_total",
			Help: "Bus messages by intent and handling outcome.",
		},
		[]string{"intent", "outcome"},
	)
	scheduleCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_schedule_fires_total",
			Help: "Schedule rule firings by action and result.",
		},
		[]string{"action", "result"},
	)
	notificationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_notifications_total",
			Help: "Notifications by event type and outcome (created, suppressed, failed).",
		},
		[]string{"event_type", "outcome"},
	)
	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_events_dropped_total",
			Help: "Outbound live events dropped because the queue was full.",
		},
		[]string{"event"},
	)
	retentionPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_retention_purged_total",
			Help: "Records removed by the retention sweeper.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(requestCounter, messageCounter, scheduleCounter, notificationCounter, droppedEvents, retentionPurged)
}

func MessageHandled(intent, outcome string) { messageCounter.WithLabelValues(intent, outcome).Inc() }

func ScheduleFired(action, result string) { scheduleCounter.WithLabelValues(action, result).Inc() }

func NotificationHandled(eventType, outcome string) {
	notificationCounter.WithLabelValues(eventType, outcome).Inc()
}

func EventDropped(name string) { droppedEvents.WithLabelValues(name).Inc() }

func Purged(kind string, n int64) {
	if n > 0 {
		retentionPurged.WithLabelValues(kind).Add(float64(n))
	}
}

// SetupObservability installs the global meter and tracer providers. Traces
// are exported over OTLP/HTTP only when otlpEndpoint is set.
func SetupObservability(serviceName, otlpEndpoint string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer) {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(propagator)

	var meterProvider *otelmetric.MeterProvider
	if promExporter, err := otelprom.New(); err != nil {
		slog.Warn("prometheus exporter unavailable", "error", err)
		meterProvider = otelmetric.NewMeterProvider()
	} else {
		meterProvider = otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	}
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(context.Background(), resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		slog.Warn("otel resource", "error", err)
		res = resource.Default()
	}

	opts := []trace.TracerProviderOption{trace.WithResource(res)}
	if ep := strings.TrimSpace(otlpEndpoint); ep != "" {
		exp, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpointURL(ep))
		if err != nil {
			slog.Warn("otlp exporter unavailable, tracing locally only", "error", err)
		} else {
			opts = append(opts, trace.WithBatcher(exp))
		}
	}
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	shutdown = func() {
		_ = tp.Shutdown(context.Background())
		_ = meterProvider.Shutdown(context.Background())
	}
	return shutdown, promhttp.Handler(), otel.Tracer(serviceName)
}

// MetricsAndTracingMiddleware counts and traces every request except /metrics.
// Endpoints are labelled by chi route pattern to keep label cardinality bounded.
func MetricsAndTracingMiddleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			method := r.Method
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			ctx, span := tracer.Start(ctx, method+" "+r.URL.Path)
			span.SetAttributes(
				attribute.String("http.method", method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("service.name", serviceName),
			)
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}
			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())

			next.ServeHTTP(rw, r.WithContext(ctx))

			endpoint := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				endpoint = rc.RoutePattern()
			}
			span.SetAttributes(attribute.Int("http.status_code", rw.status))
			requestCounter.WithLabelValues(serviceName, endpoint, method, strconv.Itoa(rw.status)).Inc()
			span.End()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and websocket upgrades reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observability: response writer does not support hijacking")
	}
	if r.status == http.StatusOK {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}
