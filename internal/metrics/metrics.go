// Package metrics exposes the transfer engine's Prometheus surface via
// promauto package-level gauges and counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	directionInProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ima_direction_in_progress",
		Help: "1 while a direction loop's pass is in progress, 0 otherwise",
	}, []string{"direction"})

	directionCurrentSerial = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ima_direction_current_serial",
		Help: "Current per-direction pass serial number",
	}, []string{"direction"})

	directionStepsDone = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ima_direction_steps_done",
		Help: "Steps completed in the direction loop's current pass",
	}, []string{"direction"})

	rpcAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ima_rpc_attempts_total",
		Help: "Total number of RPC call attempts",
	}, []string{"endpoint", "op"})

	rpcExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ima_rpc_exhausted_total",
		Help: "Total number of RPC calls that exhausted all retry attempts",
	}, []string{"endpoint", "op"})

	scannerWindowHits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ima_scanner_window_hits",
		Help:    "Number of logs returned per scanner window query",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	batchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ima_batch_size",
		Help:    "Number of messages assembled per batch",
		Buckets: prometheus.LinearBuckets(0, 1, 10),
	}, []string{"direction"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ima_errors_total",
		Help: "Total number of failed transfer passes by error category",
	}, []string{"category"})
)

// ObserveDirectionState publishes one direction's TransferLoopState-shaped
// snapshot.
func ObserveDirectionState(direction string, inProgress bool, serial uint64, stepsDone int) {
	v := 0.0
	if inProgress {
		v = 1.0
	}
	directionInProgress.WithLabelValues(direction).Set(v)
	directionCurrentSerial.WithLabelValues(direction).Set(float64(serial))
	directionStepsDone.WithLabelValues(direction).Set(float64(stepsDone))
}

// ObserveRPCAttempt records one RPC call attempt.
func ObserveRPCAttempt(endpoint, op string) {
	rpcAttemptsTotal.WithLabelValues(endpoint, op).Inc()
}

// ObserveRPCExhausted records one RPC call that exhausted its retry budget.
func ObserveRPCExhausted(endpoint, op string) {
	rpcExhaustedTotal.WithLabelValues(endpoint, op).Inc()
}

// ObserveScannerWindowHits records how many logs one scanner window query
// returned.
func ObserveScannerWindowHits(n int) {
	scannerWindowHits.Observe(float64(n))
}

// ObserveBatchSize records the message count of one assembled batch.
func ObserveBatchSize(direction string, n int) {
	batchSize.WithLabelValues(direction).Observe(float64(n))
}

// ObserveError increments the error-category counter.
func ObserveError(category string) {
	errorsTotal.WithLabelValues(category).Inc()
}
