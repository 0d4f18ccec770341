// README: Prometheus instrumentation for dispatch cycles, queues, and the match stream.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mywin_dispatch_matches_total",
		Help: "Matches produced, labelled by mode (station or radius).",
	}, []string{"mode"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mywin_dispatch_cycle_seconds",
		Help:    "Wall time of a full dispatch cycle.",
		Buckets: prometheus.DefBuckets,
	})

	cycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mywin_dispatch_cycle_errors_total",
		Help: "Cycles that failed closed due to a store error.",
	})

	pendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mywin_dispatch_pending_requests",
		Help: "Ride requests still waiting after the last cycle.",
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mywin_station_queue_depth",
		Help: "Drivers waiting per station queue.",
	}, []string{"station"})

	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mywin_match_publish_total",
		Help: "Match records handed to the Kafka publisher, by outcome.",
	}, []string{"outcome"})

	offerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mywin_offer_outcomes_total",
		Help: "Trip offer resolutions, by outcome (accept, reject, timeout, expired).",
	}, []string{"outcome"})
)

func IncMatch(mode string) { matchesTotal.WithLabelValues(mode).Inc() }

func ObserveCycle(d time.Duration) { cycleDuration.Observe(d.Seconds()) }

func IncCycleError() { cycleErrors.Inc() }

func SetPendingRequests(n int) { pendingRequests.Set(float64(n)) }

func SetQueueDepth(station string, n int64) {
	queueDepth.WithLabelValues(station).Set(float64(n))
}

func IncPublish(outcome string) { publishTotal.WithLabelValues(outcome).Inc() }

func IncOfferOutcome(outcome string) { offerOutcomes.WithLabelValues(outcome).Inc() }
