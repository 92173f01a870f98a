package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total number of rides requested"})
	RideTransitions   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions by target status"},
		[]string{"to"},
	)
	OffersSentTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Ride offers delivered to candidate drivers"})
	OfferRounds     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_rounds_total", Help: "Finished offer rounds by outcome"},
		[]string{"outcome"},
	)
	AcceptConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accepts rejected because another driver won the ride"})
	DriversOnDuty        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_on_duty", Help: "Number of on-duty drivers in the geo index"})
	MatchLatency         = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from ride creation to a driver accepting"})

	HubConnections   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "hub_connections", Help: "Open realtime sessions"})
	HubEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "hub_events_dropped_total", Help: "Realtime events dropped per reason"},
		[]string{"reason"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
