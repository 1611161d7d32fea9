package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "events_accepted_total", Help: "Ride events applied to a store"},
		[]string{"phase"},
	)
	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "events_rejected_total", Help: "Ride events rejected by the seq gate or phase machine"},
		[]string{"reason"},
	)
	IntegrityViolations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracker", Name: "integrity_violations_total", Help: "Illegal phase transitions received from the event source"})
	SourceDisconnects   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracker", Name: "source_disconnects_total", Help: "Event source disconnects observed by trackers"})
	ReorderFlushes      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracker", Name: "reorder_flushes_total", Help: "Sequencer flushes forced by the hold window or buffer limit"})
	ActiveRides         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_tracker", Name: "active_rides", Help: "Rides currently tracked"})
	PresentationPushes  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracker", Name: "presentation_pushes_total", Help: "Presentation updates broadcast to passenger sessions"})
	ApplyLatency        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_tracker", Name: "apply_latency_seconds", Help: "Time to apply an event and notify subscribers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_tracker",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
