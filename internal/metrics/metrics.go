// Package metrics defines Prometheus metrics for every Bifrost Bridge engine.
// It mirrors the teacher's separation of low-cardinality counters from
// per-target series to avoid cardinality explosions, and centralizes label
// normalization so call sites never build ad hoc label sets.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bifrost_requests_total",
		Help: "Total requests handled by engine, method and response status",
	}, []string{"engine", "method", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bifrost_request_duration_seconds",
		Help:    "End-to-end request duration in seconds by engine",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bifrost_errors_total",
		Help: "Total errors by engine and error class",
	}, []string{"engine", "class"})

	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bifrost_bytes_total",
		Help: "Total bytes transferred by engine and direction (in/out)",
	}, []string{"engine", "direction"})

	targetInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bifrost_target_inflight",
		Help: "In-flight requests per upstream target",
	}, []string{"target_id"})

	targetHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bifrost_target_healthy",
		Help: "1 if target is healthy, 0 otherwise",
	}, []string{"target_id"})

	poolIdleConns = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bifrost_pool_idle_connections",
		Help: "Idle pooled connections per origin",
	}, []string{"origin"})

	rateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bifrost_rate_limit_rejections_total",
		Help: "Total requests rejected by the rate limiter by rule",
	}, []string{"rule_id"})

	secretDecryptTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bifrost_secret_decrypt_total",
		Help: "Secret decryption attempts at config load, by outcome",
	}, []string{"outcome"})

	retryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bifrost_reverse_proxy_retries_total",
		Help: "Total retry attempts issued by the reverse proxy, by route",
	}, []string{"route_id"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bifrost_admission_queue_depth",
		Help: "Requests currently waiting for a worker slot",
	})

	queueRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bifrost_admission_queue_rejected_total",
		Help: "Requests rejected because the admission queue was full",
	})

	queueTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bifrost_admission_queue_timeouts_total",
		Help: "Requests that timed out waiting for a worker slot",
	})

	queueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bifrost_admission_queue_wait_seconds",
		Help:    "Time a request spent waiting for a worker slot",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestDuration,
		errorsTotal,
		bytesTotal,
		targetInflight,
		targetHealthy,
		poolIdleConns,
		rateLimitRejections,
		secretDecryptTotal,
		retryTotal,
		queueDepth,
		queueRejected,
		queueTimeouts,
		queueWait,
	)
}

// ObserveRequest records a completed request for an engine.
func ObserveRequest(engine, method string, status int, dur time.Duration) {
	requestsTotal.WithLabelValues(engine, method, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(engine).Observe(dur.Seconds())
}

// IncError records an error by class (protocol, auth, routing, upstream, ratelimit, internal).
func IncError(engine, class string) { errorsTotal.WithLabelValues(engine, class).Inc() }

// AddBytes accumulates bytes transferred in a direction ("in" or "out").
func AddBytes(engine, direction string, n int) {
	bytesTotal.WithLabelValues(engine, direction).Add(float64(n))
}

func IncTargetInflight(targetID string) { targetInflight.WithLabelValues(targetID).Inc() }
func DecTargetInflight(targetID string) { targetInflight.WithLabelValues(targetID).Dec() }

// SetTargetHealthy publishes a target's health flag for scraping.
func SetTargetHealthy(targetID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	targetHealthy.WithLabelValues(targetID).Set(v)
}

func SetPoolIdle(origin string, n int) { poolIdleConns.WithLabelValues(origin).Set(float64(n)) }

func IncRateLimitRejection(ruleID string) { rateLimitRejections.WithLabelValues(ruleID).Inc() }

// IncSecretDecrypt records a secret decryption outcome ("ok" or "failed").
func IncSecretDecrypt(outcome string) { secretDecryptTotal.WithLabelValues(outcome).Inc() }

// IncRetry records one retry attempt issued against a route's target pool.
func IncRetry(routeID string) { retryTotal.WithLabelValues(routeID).Inc() }

func SetQueueDepth(n int64)        { queueDepth.Set(float64(n)) }
func IncQueueRejected()            { queueRejected.Inc() }
func IncQueueTimeout()             { queueTimeouts.Inc() }
func ObserveQueueWait(d time.Duration) { queueWait.Observe(d.Seconds()) }
