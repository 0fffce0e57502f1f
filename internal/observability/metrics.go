package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchAttempts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_attempts_total", Help: "Attempt cycles started for pending rides"})
	OfferTimeouts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offer_timeouts_total", Help: "Offers that expired without a response"})
	NotifyFailures     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Offers whose push delivery failed"})
	ClaimConflicts     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claim_conflicts_total", Help: "Driver claims lost to a concurrent dispatch"})
	AbortedCycles      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "aborted_cycles_total", Help: "Attempt cycles aborted on a persistence error"})
	NoDriversAvailable = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "no_drivers_available_total", Help: "Rides that ended without a driver"})
	RidesAccepted      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_accepted_total", Help: "Rides accepted by a driver"})
	PendingOffers      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pending_offer_timers", Help: "Offer timers currently armed"})

	OffersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Ride offers delivered to drivers"},
		[]string{"mode"},
	)
	TimeToAccept = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "time_to_accept_seconds",
		Help:      "Time from ride creation to acceptance",
		Buckets:   []float64{5, 15, 30, 65, 130, 195, 260, 325, 400},
	})
	CandidateSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "candidate_search_seconds", Help: "Driver candidate search latency", Buckets: prometheus.DefBuckets},
		[]string{"mode"},
	)
	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates applied"},
		[]string{"source"},
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
