package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const metricsNamespace = "chat_realtime"

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

var (
	httpRequestsTotal = counterVec("http", "requests_total",
		"HTTP requests by method, matched route and status code.",
		"method", "route", "status")
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP handler latency by matched route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	grpcHandledTotal = counterVec("grpc", "handled_total",
		"Unary gRPC calls by service, method and status code.",
		"grpc_service", "grpc_method", "grpc_code")
	grpcHandlingSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "grpc",
		Name:      "handling_seconds",
		Help:      "Unary gRPC handling latency.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
	}, []string{"grpc_service", "grpc_method"})

	wsActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "ws",
		Name:      "active_connections",
		Help:      "Open sockets on this process by endpoint kind.",
	}, []string{"kind"})
	wsEventsTotal = counterVec("ws", "events_total",
		"Socket lifecycle events by endpoint kind.",
		"kind", "event")

	amqpPublishErrors = counterVec("amqp", "publish_errors_total",
		"Event envelopes the broker publisher failed to send.")
	amqpPublishErrorsTotal = amqpPublishErrors.WithLabelValues()

	busPublishErrors = counterVec("bus", "publish_errors_total",
		"Bus publishes that reached no transport.")
	busMessagesTotal = counterVec("bus", "messages_total",
		"Messages handed to subscribers by the dispatch loop, by target and outcome.",
		"target", "result")

	fanoutDeliveriesTotal = counterVec("fanout", "deliveries_total",
		"Frames pushed to local sockets, by event type and outcome.",
		"event", "result")
	cacheOperationsTotal = counterVec("cache", "operations_total",
		"Message history cache operations by outcome.",
		"op", "result")
	presenceTransitionsTotal = counterVec("presence", "transitions_total",
		"Online and offline transitions decided by this process.",
		"status")
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcHandledTotal,
		grpcHandlingSeconds,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrors,
		busPublishErrors,
		busMessagesTotal,
		fanoutDeliveriesTotal,
		cacheOperationsTotal,
		presenceTransitionsTotal,
	)
}

// HTTPMetricsMiddleware counts requests by route template. Requests that
// match no route share the "unmatched" label.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		grpcHandlingSeconds.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// splitFullMethod turns "/pkg.Service/Method" into its two parts.
func splitFullMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || service == "" || method == "" {
		return "unknown", "unknown"
	}
	return service, method
}

func IncWSActive(kind string) { wsActiveConnections.WithLabelValues(kind).Inc() }

func DecWSActive(kind string) { wsActiveConnections.WithLabelValues(kind).Dec() }

func IncWSEvent(kind, event string) { wsEventsTotal.WithLabelValues(kind, event).Inc() }

func IncAMQPPublishError() { amqpPublishErrorsTotal.Inc() }

func IncBusPublishError() { busPublishErrors.WithLabelValues().Inc() }

// ObserveBusMessage records one dispatched message; result is "ok",
// "handler_error" or "invalid".
func ObserveBusMessage(target, result string) {
	busMessagesTotal.WithLabelValues(target, result).Inc()
}

func ObserveFanoutDelivery(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	fanoutDeliveriesTotal.WithLabelValues(event, result).Inc()
}

func ObserveCacheOperation(op, result string) {
	cacheOperationsTotal.WithLabelValues(op, result).Inc()
}

func IncPresenceTransition(online bool) {
	label := "offline"
	if online {
		label = "online"
	}
	presenceTransitionsTotal.WithLabelValues(label).Inc()
}
