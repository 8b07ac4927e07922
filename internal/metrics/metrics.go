package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PostAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosspost_post_attempts_total",
		Help: "Post attempts per destination by outcome",
	}, []string{"destination", "outcome"})

	PostDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crosspost_post_duration_seconds",
		Help:    "Time spent in a destination post call",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"destination"})

	CooldownWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crosspost_cooldown_wait_seconds",
		Help:    "Time the poster waited for a destination cooldown",
		Buckets: []float64{0, 0.5, 1, 2, 4, 8, 16, 32, 64},
	}, []string{"destination"})

	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosspost_runs_completed_total",
		Help: "Posting runs by terminal status",
	}, []string{"status"})

	QueueWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosspost_queue_waiting",
		Help: "Submissions waiting behind the active one",
	})

	QueuePosting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosspost_queue_posting",
		Help: "1 while a submission owns the posting slot",
	})

	// DestinationLoggedIn is 1 for LoggedIn, 0 otherwise.
	DestinationLoggedIn = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crosspost_destination_logged_in",
		Help: "Destination login state from the health monitor",
	}, []string{"destination"})

	ScheduledEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosspost_scheduled_enqueued_total",
		Help: "Scheduled submissions moved into the queue",
	})
)
