package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "dorm_access_"

	resultSuccess = "success"
	resultError   = "error"

	outcomeInserted  = "inserted"
	outcomeDuplicate = "duplicate"
	outcomeSkipped   = "skipped"
	outcomeDeferred  = "deferred"
	outcomeFailed    = "failed"
)

var (
	registerOnce sync.Once

	tickTotal   *prometheus.CounterVec
	tickLatency *prometheus.HistogramVec

	sourceCalls   *prometheus.CounterVec
	sourceLatency *prometheus.HistogramVec

	eventsPersisted *prometheus.CounterVec
	watermarkLag    *prometheus.GaugeVec

	liveSubscribers prometheus.Gauge
	liveEvictions   prometheus.Counter

	exportTotal *prometheus.CounterVec
)

// Init registers metrics and DB-backed gauges. db may be nil.
func Init(db *sql.DB, table string, logger *zap.Logger) {
	registerOnce.Do(func() {
		tickTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_ticks_total",
				Help: "Total poll ticks by result",
			},
			[]string{"result"},
		)
		tickLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_tick_latency_seconds",
				Help:    "Poll tick latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		sourceCalls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "source_calls_total",
				Help: "Access controller calls by event type and result",
			},
			[]string{"event_type", "result"},
		)
		sourceLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "source_call_latency_seconds",
				Help:    "Access controller call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		eventsPersisted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_total",
				Help: "Fetched access events by outcome",
			},
			[]string{"event_type", "outcome"},
		)
		watermarkLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "watermark_lag_seconds",
				Help: "Age of the oldest door watermark per event type",
			},
			[]string{"event_type"},
		)

		liveSubscribers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "live_subscribers",
				Help: "Connected live stream subscribers",
			},
		)
		liveEvictions = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "live_evictions_total",
				Help: "Live subscribers evicted for lagging",
			},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Event exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			tickTotal,
			tickLatency,
			sourceCalls,
			sourceLatency,
			eventsPersisted,
			watermarkLag,
			liveSubscribers,
			liveEvictions,
			exportTotal,
		)

		if db != nil {
			registerDBMetrics(db, table, logger)
		}
	})
}

// ObserveTick records tick duration and result.
func ObserveTick(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if tickTotal != nil {
		tickTotal.WithLabelValues(result).Inc()
	}
	if tickLatency != nil {
		tickLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveSourceCall records one access controller call.
func ObserveSourceCall(eventType, result string, duration time.Duration) {
	if eventType == "" {
		eventType = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if sourceCalls != nil {
		sourceCalls.WithLabelValues(eventType, result).Inc()
	}
	if sourceLatency != nil {
		sourceLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddEvents increments the event outcome counter by count.
func AddEvents(eventType, outcome string, count int) {
	if count <= 0 {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	if eventsPersisted != nil {
		eventsPersisted.WithLabelValues(eventType, outcome).Add(float64(count))
	}
}

// ObserveWatermarkLag sets the watermark lag for an event type.
func ObserveWatermarkLag(eventType string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	if watermarkLag != nil {
		watermarkLag.WithLabelValues(eventType).Set(lag.Seconds())
	}
}

// ObserveExport records an export request.
func ObserveExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
}

// LiveObserver feeds broadcaster subscriber changes into gauges.
type LiveObserver struct{}

// SubscribersChanged sets the subscriber gauge.
func (LiveObserver) SubscribersChanged(count int) {
	if liveSubscribers != nil {
		liveSubscribers.Set(float64(count))
	}
}

// SubscriberEvicted counts a lag eviction.
func (LiveObserver) SubscriberEvicted() {
	if liveEvictions != nil {
		liveEvictions.Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	OutcomeInserted  = outcomeInserted
	OutcomeDuplicate = outcomeDuplicate
	OutcomeSkipped   = outcomeSkipped
	OutcomeDeferred  = outcomeDeferred
	OutcomeFailed    = outcomeFailed
)
