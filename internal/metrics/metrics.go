// Package metrics exposes Prometheus collectors for the HTTP surface and the
// realtime fan-out.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datenight"

// Collectors groups every metric the service records.
type Collectors struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsActive  *prometheus.GaugeVec

	feedDeliveries      *prometheus.CounterVec
	feedDrops           *prometheus.CounterVec
	broadcastDeliveries *prometheus.CounterVec
	broadcastDrops      *prometheus.CounterVec
	presenceMembers     *prometheus.GaugeVec
}

// New registers the collectors on a dedicated registry, including the Go runtime and process collectors.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	c := &Collectors{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"route", "method"},
		),
		httpRequestsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_active",
				Help:      "Number of in-flight HTTP requests",
			},
			[]string{"route"},
		),
		feedDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_deliveries_total",
				Help:      "Row change events delivered to subscribers",
			},
			[]string{"table"},
		),
		feedDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_drops_total",
				Help:      "Row change events dropped because a subscriber buffer was full",
			},
			[]string{"table"},
		),
		broadcastDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_deliveries_total",
				Help:      "Ephemeral broadcast messages delivered",
			},
			[]string{"event"},
		),
		broadcastDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_drops_total",
				Help:      "Ephemeral broadcast messages dropped",
			},
			[]string{"event"},
		),
		presenceMembers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "presence_members",
				Help:      "Members currently tracked per presence channel",
			},
			[]string{"channel"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.httpRequestsActive,
		c.feedDeliveries,
		c.feedDrops,
		c.broadcastDeliveries,
		c.broadcastDrops,
		c.presenceMembers,
	)
	return c
}

// Registry exposes the underlying registry for tests and custom exporters.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request counts and latency keyed by the matched route template.
func (c *Collectors) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := ctx.Request.Method
		active := c.httpRequestsActive.WithLabelValues(route)
		active.Inc()
		start := time.Now()

		ctx.Next()

		active.Dec()
		c.httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

func (c *Collectors) FeedPublished(table string, delivered, dropped int) {
	if delivered > 0 {
		c.feedDeliveries.WithLabelValues(table).Add(float64(delivered))
	}
	if dropped > 0 {
		c.feedDrops.WithLabelValues(table).Add(float64(dropped))
	}
}

func (c *Collectors) BroadcastRelayed(event string, delivered, dropped int) {
	if delivered > 0 {
		c.broadcastDeliveries.WithLabelValues(event).Add(float64(delivered))
	}
	if dropped > 0 {
		c.broadcastDrops.WithLabelValues(event).Add(float64(dropped))
	}
}

func (c *Collectors) PresenceChanged(channel string, members int) {
	if members == 0 {
		c.presenceMembers.DeleteLabelValues(channel)
		return
	}
	c.presenceMembers.WithLabelValues(channel).Set(float64(members))
}
