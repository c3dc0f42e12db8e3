package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RealtimeSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "termchat_realtime_subscribers",
		Help: "Current number of active realtime topic subscribers",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "termchat_messages_total",
		Help: "Total number of chat messages sent",
	})
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termchat_commands_total",
		Help: "Total number of slash commands dispatched",
	}, []string{"command", "outcome"})
	ChannelSwitchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termchat_channel_switches_total",
		Help: "Total number of channel switch attempts",
	}, []string{"outcome"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(RealtimeSubscribers, MessagesTotal, CommandsTotal, ChannelSwitchesTotal, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
