package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_proxy_requests_total",
		Help: "Proxied calls by final HTTP status code",
	}, []string{"code", "mode"})

	proxyLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_proxy_latency_seconds",
		Help:    "End to end proxy latency including the upstream call",
		Buckets: prometheus.DefBuckets,
	})

	quotaRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_quota_rejections_total",
		Help: "Calls rejected because the grant quota was exhausted",
	})

	keeperDispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_keeper_dispatches_total",
		Help: "Keeper dispatch outcomes",
	}, []string{"outcome"})

	slashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_slashes_total",
		Help: "Slash events by severity",
	}, []string{"severity"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "All HTTP requests by route and status code",
	}, []string{"route", "code"})
)

// metricsMiddleware counts every request against its matched route.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()

		if route == proxyRoute || route == keeperProxyRoute {
			proxyLatencySeconds.Observe(time.Since(start).Seconds())
		}
	}
}
