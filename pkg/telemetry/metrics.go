// Package telemetry exposes Prometheus metrics for the HTTP surface and
// the feed hub.
package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatstream_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	messagesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_messages_total",
		Help: "Stored messages by kind.",
	}, []string{"kind"})

	feedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_feed_events_total",
		Help: "Events published to the change feed by op.",
	}, []string{"op"})

	feedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatstream_feed_clients",
		Help: "Currently connected feed subscribers.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler { return promhttp.Handler() }

// CountMessage records one stored message of the given kind.
func CountMessage(kind string) { messagesStored.WithLabelValues(kind).Inc() }

// CountFeedEvent records one published feed event.
func CountFeedEvent(op string) { feedEvents.WithLabelValues(op).Inc() }

// FeedClientConnected adjusts the live subscriber gauge.
func FeedClientConnected()    { feedClients.Inc() }
func FeedClientDisconnected() { feedClients.Dec() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade work through the instrumented writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware instruments a handler with request count and latency metrics.
// route should be the mux route template, not the raw path, to keep label
// cardinality bounded.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
