// Package telemetry has the engine's prometheus metrics and the handler that
// serves them. Hot-path internals (changelog, state) keep their own cheap
// counters; everything surfaced to operators registers here.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(processedRecords)
	prometheus.MustRegister(droppedRecords)
	prometheus.MustRegister(joinOutputs)
	prometheus.MustRegister(deferredRecords)
	prometheus.MustRegister(restoreDuration)
	prometheus.MustRegister(checkpointsCompleted)
	prometheus.MustRegister(httpInFlight)
	prometheus.MustRegister(httpDuration)
	prometheus.MustRegister(httpQueueTime)
}

// Drop reasons. Every absorbed record increments the dropped counter with
// exactly one of these.
const (
	ReasonLate           = "late"
	ReasonNullKey        = "null_key"
	ReasonNullValue      = "null_value"
	ReasonHistoryExpired = "history_expired"
)

// Join kinds labelling emitted outputs.
const (
	KindStreamJoin = "stream"
	KindTableJoin  = "table"
	KindGlobalJoin = "global"
)

var (
	processedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_processed_records_total",
			Help: "Records pulled from an input and run through the processor chain",
		},
		[]string{"input"},
	)

	droppedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_dropped_records_total",
			Help: "Records absorbed without output or store mutation, by reason",
		},
		[]string{"reason"},
	)

	joinOutputs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_join_outputs_total",
			Help: "Records emitted by join processors, by join kind",
		},
		[]string{"kind"},
	)

	deferredRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_deferred_records",
			Help: "Join records buffered until stream time passes their emit time",
		},
		[]string{"store"},
	)

	restoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_store_restore_seconds",
			Help:    "Changelog replay duration per store at task start",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	checkpointsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_checkpoints_total",
			Help: "Checkpoint manifests written",
		},
	)
)

func CountProcessed(input string) {
	processedRecords.WithLabelValues(input).Inc()
}

func CountDropped(reason string) {
	droppedRecords.WithLabelValues(reason).Inc()
}

func CountJoinOutput(kind string) {
	joinOutputs.WithLabelValues(kind).Inc()
}

func DeferredAdded(store string) {
	deferredRecords.WithLabelValues(store).Inc()
}

func DeferredRemoved(store string, n int) {
	deferredRecords.WithLabelValues(store).Sub(float64(n))
}

// DeferredRestored adds the entry count a changelog replay found to the
// store's gauge. A fresh process starts every gauge at zero, and tasks
// sharing a store name each contribute their partition's count.
func DeferredRestored(store string, n int) {
	deferredRecords.WithLabelValues(store).Add(float64(n))
}

func ObserveRestore(d time.Duration) {
	restoreDuration.Observe(d.Seconds())
}

func CountCheckpoint() {
	checkpointsCompleted.Inc()
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
