// Package monitoring summarizes recent cycle health from the event log and
// sends webhook alerts when it degrades.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ctxsync/internal/model"
)

// Snapshot holds a point-in-time view of engine health.
type Snapshot struct {
	// Cycle metrics (within lookback window).
	CyclesFinished int     `json:"cycles_finished"`
	CyclesFailed   int     `json:"cycles_failed"`
	CycleFailRate  float64 `json:"cycle_fail_rate"`
	DriftExceeded  int     `json:"drift_exceeded"`

	// Escalations (within lookback window).
	Escalations    int      `json:"escalations"`
	RestoreFailed  int      `json:"restore_failed"`
	EscalatedRunID []string `json:"escalated_run_ids,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// EventQuerier is the part of the event log the collector reads.
type EventQuerier interface {
	Query(ctx context.Context, filter model.EventFilter) ([]model.Event, error)
}

// Collector gathers snapshots from the event log.
type Collector struct {
	events  EventQuerier
	nowFunc func() time.Time
}

// NewCollector creates a new collector.
func NewCollector(events EventQuerier) *Collector {
	return &Collector{events: events, nowFunc: time.Now}
}

const queryLimit = 10000

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.nowFunc().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	reports, err := c.query(ctx, model.EventCycleReport, cutoff)
	if err != nil {
		return nil, err
	}
	for _, e := range reports {
		snap.CyclesFinished++
		if exceeded, _ := e.Payload["drift_exceeded"].(bool); exceeded {
			snap.DriftExceeded++
		}
	}

	failed, err := c.query(ctx, model.EventCycleFailed, cutoff)
	if err != nil {
		return nil, err
	}
	snap.CyclesFailed = len(failed)
	snap.CyclesFinished += len(failed)
	if snap.CyclesFinished > 0 {
		snap.CycleFailRate = float64(snap.CyclesFailed) / float64(snap.CyclesFinished)
	}

	escalated, err := c.query(ctx, model.EventHealingEscalated, cutoff)
	if err != nil {
		return nil, err
	}
	for _, e := range escalated {
		snap.Escalations++
		snap.EscalatedRunID = append(snap.EscalatedRunID, e.EntityID)
		if msg, _ := e.Payload["restore_error"].(string); msg != "" {
			snap.RestoreFailed++
		}
	}

	return snap, nil
}

func (c *Collector) query(ctx context.Context, kind model.EventKind, from time.Time) ([]model.Event, error) {
	events, err := c.events.Query(ctx, model.EventFilter{From: from, Kind: kind, Limit: queryLimit})
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: query %s events", kind)
	}
	return events, nil
}
