package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqvdb",
			Subsystem: "codec",
			Name:      "calls_total",
			Help:      "Encode and decode calls by outcome",
		},
		[]string{"op", "backend", "outcome"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vqvdb",
			Subsystem: "codec",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"op", "stage"},
	)

	patchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqvdb",
			Subsystem: "codec",
			Name:      "patches_total",
			Help:      "Patches run through a backend",
		},
		[]string{"op"},
	)

	oomRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqvdb",
			Subsystem: "codec",
			Name:      "oom_retries_total",
			Help:      "Batches retried at half size after the device ran out of memory",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(callsTotal, stageDuration, patchesTotal, oomRetries)
}

func observe(s Stats) {
	stageDuration.WithLabelValues(s.Op, "load").Observe(s.Load.Seconds())
	stageDuration.WithLabelValues(s.Op, "tile").Observe(s.Tile.Seconds())
	stageDuration.WithLabelValues(s.Op, "infer").Observe(s.Infer.Seconds())
	stageDuration.WithLabelValues(s.Op, "pack").Observe(s.Pack.Seconds())
	stageDuration.WithLabelValues(s.Op, "total").Observe(s.Total.Seconds())
	patchesTotal.WithLabelValues(s.Op).Add(float64(s.Patches))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
