// Package metrics exposes prometheus instruments for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/ctxsync/internal/model"
)

var (
	// driftScore is the last computed drift score.
	driftScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctxsync_drift_score",
		Help: "Fraction of referenced source paths changed since the baseline checkpoint",
	})

	// staleMarked counts records marked stale by drift detection and refresh.
	staleMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctxsync_records_stale_marked_total",
		Help: "Total records marked stale",
	})

	// recordsByTier tracks committed records per tier.
	recordsByTier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ctxsync_records",
		Help: "Committed derived records by tier",
	}, []string{"tier"})

	// prunedTotal counts pruned records per tier.
	prunedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxsync_pruned_records_total",
		Help: "Total records pruned by tier",
	}, []string{"tier"})

	// pruneAborted counts passes aborted by a backup failure.
	pruneAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctxsync_prune_aborted_total",
		Help: "Total pruning passes aborted before deletion",
	})

	// checkpointsTotal counts created checkpoints.
	checkpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxsync_checkpoints_total",
		Help: "Total checkpoints created",
	}, []string{"provisional"})

	// restoresTotal counts restore attempts by result.
	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxsync_checkpoint_restores_total",
		Help: "Total checkpoint restores by result",
	}, []string{"result"})

	// validationDuration tracks validation level latency.
	validationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ctxsync_validation_duration_seconds",
		Help:    "Validation level duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	}, []string{"level", "result"})

	// healingAttempts counts remediation attempts by class and outcome.
	healingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxsync_healing_attempts_total",
		Help: "Total healing attempts by error class and outcome",
	}, []string{"class", "outcome"})

	// healingOutcomes counts terminal healing states.
	healingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctxsync_healing_outcomes_total",
		Help: "Total healing runs by terminal state",
	}, []string{"state"})

	// cycleDuration tracks sync cycle latency.
	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ctxsync_cycle_duration_seconds",
		Help:    "Sync cycle duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"outcome"})
)

// ObserveDrift records a drift score.
func ObserveDrift(score float64) {
	driftScore.Set(score)
}

// AddStale counts records newly marked stale.
func AddStale(n int) {
	staleMarked.Add(float64(n))
}

// SetRecordCounts publishes committed record counts.
func SetRecordCounts(counts map[model.Tier]int) {
	for _, t := range model.Tiers {
		recordsByTier.WithLabelValues(string(t)).Set(float64(counts[t]))
	}
}

// AddPruned counts pruned records per tier.
func AddPruned(counts map[model.Tier]int) {
	for t, n := range counts {
		prunedTotal.WithLabelValues(string(t)).Add(float64(n))
	}
}

// IncPruneAborted counts an aborted pruning pass.
func IncPruneAborted() {
	pruneAborted.Inc()
}

// IncCheckpoint counts a created checkpoint.
func IncCheckpoint(provisional bool) {
	label := "false"
	if provisional {
		label = "true"
	}
	checkpointsTotal.WithLabelValues(label).Inc()
}

// IncRestore counts a restore by result ("ok" or an error kind).
func IncRestore(result string) {
	restoresTotal.WithLabelValues(result).Inc()
}

// ObserveValidation records one validation level run.
func ObserveValidation(level string, result model.ValidationResult, d time.Duration) {
	validationDuration.WithLabelValues(level, string(result)).Observe(d.Seconds())
}

// IncHealingAttempt counts a healing attempt.
func IncHealingAttempt(class model.ErrorClass, outcome model.AttemptOutcome) {
	healingAttempts.WithLabelValues(string(class), string(outcome)).Inc()
}

// IncHealingOutcome counts a terminal healing state.
func IncHealingOutcome(state string) {
	healingOutcomes.WithLabelValues(state).Inc()
}

// ObserveCycle records a sync cycle.
func ObserveCycle(outcome string, d time.Duration) {
	cycleDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
