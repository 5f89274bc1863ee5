// Package metrics provides Prometheus instruments for the price pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rejection reasons for observations dropped by the data-quality gate.
const (
	ReasonInvalidPrice = "invalid_price"
	ReasonCurrency     = "currency"
	ReasonMagnitude    = "magnitude"
	ReasonCoinKey      = "coin_key"
	ReasonFuture       = "future"
	ReasonQueueFull    = "queue_full"
)

// Metrics holds the pipeline's instruments and the registry they are
// registered with.
type Metrics struct {
	registry *prometheus.Registry

	ScrapeJobsTotal           *prometheus.CounterVec
	ObservationsIngestedTotal prometheus.Counter
	ObservationsRejectedTotal *prometheus.CounterVec
	OutlierRejectionsTotal    prometheus.Counter
	RateLimitedTotal          *prometheus.CounterVec
	CircuitTripsTotal         *prometheus.CounterVec
	SourceReliability         *prometheus.GaugeVec
	AggregatedConfidence      *prometheus.GaugeVec
	AggregationDuration       prometheus.Histogram
	HTTPRequestsTotal         *prometheus.CounterVec
	HTTPRequestDuration       *prometheus.HistogramVec
}

// New creates the instruments under namespace and registers them, with the
// Go and process collectors, on a dedicated registry.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ScrapeJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_jobs_total",
			Help:      "Scrape jobs finished, by source and terminal status",
		}, []string{"source", "status"}),
		ObservationsIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_ingested_total",
			Help:      "Observations appended to the observation store",
		}),
		ObservationsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_rejected_total",
			Help:      "Observations dropped before storage, by reason",
		}, []string{"reason"}),
		OutlierRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outlier_rejections_total",
			Help:      "Observations excluded from an aggregate as outliers",
		}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Scrape requests deferred because the source's hourly window was full",
		}, []string{"source"}),
		CircuitTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_trips_total",
			Help:      "Sources disabled after consecutive failed jobs",
		}, []string{"source"}),
		SourceReliability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_reliability",
			Help:      "Current reliability score of a source",
		}, []string{"source"}),
		AggregatedConfidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregated_confidence",
			Help:      "Confidence level of the latest aggregate for a coin key",
		}, []string{"coin_key"}),
		AggregationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Duration of aggregation runs",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests, by route and status",
		}, []string{"route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latencies",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ScrapeJobsTotal,
		m.ObservationsIngestedTotal,
		m.ObservationsRejectedTotal,
		m.OutlierRejectionsTotal,
		m.RateLimitedTotal,
		m.CircuitTripsTotal,
		m.SourceReliability,
		m.AggregatedConfidence,
		m.AggregationDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry returns the registry the instruments are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordJob records a finished scrape job.
func (m *Metrics) RecordJob(source, status string) {
	if m == nil {
		return
	}
	m.ScrapeJobsTotal.WithLabelValues(source, status).Inc()
}

// RecordIngested records observations written to the store.
func (m *Metrics) RecordIngested(n int) {
	if m == nil {
		return
	}
	m.ObservationsIngestedTotal.Add(float64(n))
}

// RecordRejected records an observation dropped by the quality gate.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.ObservationsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordAggregation records one aggregation run.
func (m *Metrics) RecordAggregation(coinKey string, confidence float64, outliers int, d time.Duration) {
	if m == nil {
		return
	}
	m.AggregationDuration.Observe(d.Seconds())
	m.OutlierRejectionsTotal.Add(float64(outliers))
	m.AggregatedConfidence.WithLabelValues(coinKey).Set(confidence)
}

// RecordRateLimited records a request deferred by the source rate window.
func (m *Metrics) RecordRateLimited(source string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(source).Inc()
}

// RecordCircuitTrip records a source disabled by the failure breaker.
func (m *Metrics) RecordCircuitTrip(source string) {
	if m == nil {
		return
	}
	m.CircuitTripsTotal.WithLabelValues(source).Inc()
}

// SetReliability publishes a source's current reliability score.
func (m *Metrics) SetReliability(source string, score float64) {
	if m == nil {
		return
	}
	m.SourceReliability.WithLabelValues(source).Set(score)
}

// RecordHTTPRequest records an API request.
func (m *Metrics) RecordHTTPRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}
