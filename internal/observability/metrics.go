package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_http_requests_total",
			Help: "Total number of HTTP requests processed by the realtime service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_grpc_server_handled_total",
			Help: "Completed gRPC calls by method, call type and status code.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_type", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_ws_active_connections",
			Help: "Number of active websocket connections per channel.",
		},
		[]string{"channel"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"channel", "event"},
	)
	broadcastTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_broadcast_total",
			Help: "Per-recipient delivery decisions taken by the broadcaster.",
		},
		[]string{"kind", "path"},
	)
	pushSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_push_sends_total",
			Help: "Push provider send attempts by result.",
		},
		[]string{"provider", "result"},
	)
	amqpConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_amqp_consumed_total",
			Help: "Domain events consumed from the events exchange.",
		},
		[]string{"result"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		broadcastTotal,
		pushSendsTotal,
		amqpConsumedTotal,
		amqpPublishErrorsTotal,
	)
}

// HTTPMetricsMiddleware records request counts and latencies. Websocket upgrades are
// counted but kept out of the latency histogram since they last as long as the connection.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		upgrade := isWebsocketUpgrade(c.Request.Header)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}

		status := c.Writer.Status()
		if upgrade && status == 0 {
			status = 101
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		if !upgrade {
			httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		}
	}
}

// unmatched paths share one label so scanners cannot blow up cardinality
const unmatchedRoute = "unmatched"

func isWebsocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket")
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		observeGRPC(info.FullMethod, "unary", err)
		return resp, err
	}
}

// GRPCServerMetricsStreamInterceptor counts streams when they end, e.g. health Watch.
func GRPCServerMetricsStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		observeGRPC(info.FullMethod, "stream", err)
		return err
	}
}

func observeGRPC(fullMethod, callType string, err error) {
	service, method := splitFullMethod(fullMethod)
	grpcServerHandledTotal.WithLabelValues(service, method, callType, status.Code(err).String()).Inc()
}

func splitFullMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || service == "" || method == "" {
		return "unknown", "unknown"
	}
	return service, method
}

func IncWSActive(channel string) {
	wsActiveConnections.WithLabelValues(channel).Inc()
}

func DecWSActive(channel string) {
	wsActiveConnections.WithLabelValues(channel).Dec()
}

func IncWSEvent(channel, event string) {
	wsEventsTotal.WithLabelValues(channel, event).Inc()
}

// IncBroadcast records the path (live, push, none) taken for one recipient.
func IncBroadcast(kind, path string) {
	broadcastTotal.WithLabelValues(kind, path).Inc()
}

func IncPushSend(provider, result string) {
	pushSendsTotal.WithLabelValues(provider, result).Inc()
}

func IncAMQPConsumed(result string) {
	amqpConsumedTotal.WithLabelValues(result).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
