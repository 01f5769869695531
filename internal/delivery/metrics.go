package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// attemptsTotal counts finished transport attempts by mode and ledger
	// outcome (succeeded, failed, fell_back, canceled).
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_attempts_total",
			Help: "Transport attempts by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// fallbacksTotal counts fallback hops by the mode that gave up.
	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_fallbacks_total",
			Help: "Fallbacks to the async transport by originating mode.",
		},
		[]string{"from"},
	)

	// firstChunkSeconds observes stream latency to the first non-empty delta.
	firstChunkSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_stream_first_chunk_seconds",
			Help:    "Latency from stream start to the first delta.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8, 16},
		},
	)

	// jobPollsTotal counts job status polls by result (ok, error, regressed).
	jobPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_job_polls_total",
			Help: "Async job status polls by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(attemptsTotal, fallbacksTotal, firstChunkSeconds, jobPollsTotal)
}

// ObservePoll records one job poll. It is meant to be installed as the async
// transport's OnPoll hook.
func ObservePoll(result string) {
	jobPollsTotal.WithLabelValues(result).Inc()
}
