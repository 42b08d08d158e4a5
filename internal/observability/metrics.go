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

const namespace = "chat"

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed by the chat service.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latencies in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	grpcServerHandledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grpc_server_handled_total",
		Help: "Total number of gRPC requests handled by the server.",
	}, []string{"grpc_service", "grpc_method", "grpc_code"})

	wsActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_active_connections",
		Help:      "Number of bound websocket connections.",
	}, []string{"kind"})

	wsEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_events_total",
		Help:      "Websocket lifecycle events (connect, disconnect, error, rejected).",
	}, []string{"kind", "event"})

	wsInboundFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_inbound_frames_total",
		Help:      "Accepted inbound websocket frames.",
	}, []string{"frame"})

	wsFramesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_frames_dropped_total",
		Help:      "Outbound frames dropped under backpressure.",
	}, []string{"frame"})

	wsSlowConsumersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_slow_consumers_total",
		Help:      "Connections closed for not draining their send queue.",
	})

	messagesPersistedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_persisted_total",
		Help:      "Messages assigned a sequence number.",
	})

	messageAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_append_duration_seconds",
		Help:      "Time taken to persist and sequence a message.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	typingExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "typing_expired_total",
		Help:      "Typing indicators expired by the sweeper.",
	})

	amqpPublishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "amqp_publish_errors_total",
		Help:      "AMQP publish errors.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		wsInboundFramesTotal,
		wsFramesDroppedTotal,
		wsSlowConsumersTotal,
		messagesPersistedTotal,
		messageAppendDuration,
		typingExpiredTotal,
		amqpPublishErrorsTotal,
	)
}

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
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok {
		return "unknown", "unknown"
	}
	return service, method
}

func IncWSActive(kind string) { wsActiveConnections.WithLabelValues(kind).Inc() }
func DecWSActive(kind string) { wsActiveConnections.WithLabelValues(kind).Dec() }

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncInboundFrame(frame string) {
	wsInboundFramesTotal.WithLabelValues(frame).Inc()
}

func IncFrameDropped(frame string) {
	wsFramesDroppedTotal.WithLabelValues(frame).Inc()
}

func IncSlowConsumer() { wsSlowConsumersTotal.Inc() }

func ObserveMessageAppended(d time.Duration) {
	messagesPersistedTotal.Inc()
	messageAppendDuration.Observe(d.Seconds())
}

func IncTypingExpired() { typingExpiredTotal.Inc() }

func IncAMQPPublishError() { amqpPublishErrorsTotal.Inc() }
