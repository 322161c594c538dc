package syncer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/drift"
	"github.com/sells-group/ctxsync/internal/healing"
	"github.com/sells-group/ctxsync/internal/metrics"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/validation"
)

// StepName names a pipeline step.
type StepName string

const (
	StepSource     StepName = "source"
	StepValidate   StepName = "validate"
	StepDrift      StepName = "drift"
	StepPrune      StepName = "prune"
	StepCheckpoint StepName = "checkpoint"
	StepReport     StepName = "report"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Outcome summarizes a cycle.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeHealed means validation failed and healing resolved it; the
	// cycle stops after the handoff.
	OutcomeHealed    Outcome = "healed"
	OutcomeEscalated Outcome = "escalated"
)

// StepResult records one executed or skipped step.
type StepResult struct {
	Name     StepName      `json:"name"`
	Status   StepStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report is the cycle report.
type Report struct {
	CycleID            string                `json:"cycle_id"`
	StartedAt          time.Time             `json:"started_at"`
	Duration           time.Duration         `json:"duration"`
	Outcome            Outcome               `json:"outcome"`
	Revision           string                `json:"revision,omitempty"`
	Baseline           string                `json:"baseline,omitempty"`
	BaselineCheckpoint string                `json:"baseline_checkpoint,omitempty"`
	Dirty              bool                  `json:"dirty"`
	Drift              drift.Assessment      `json:"drift"`
	Staled             []string              `json:"staled,omitempty"`
	Rederived          []string              `json:"rederived,omitempty"`
	Pruned             map[model.Tier]int    `json:"pruned,omitempty"`
	CheckpointID       string                `json:"checkpoint_id,omitempty"`
	Validation         []model.ValidationRun `json:"validation,omitempty"`
	Healing            *healing.Outcome      `json:"healing,omitempty"`
	Steps              []StepResult          `json:"steps"`
	Error              string                `json:"error,omitempty"`
}

type step struct {
	name StepName
	run  func(ctx context.Context, c *cycle) error
}

// cycle carries state between the steps of one run.
type cycle struct {
	report     *Report
	state      model.SourceState
	validation *validation.Report
	halt       bool
	// interrupt is the caller's cancellable context. Healing observes it
	// between attempts.
	interrupt context.Context
}

// stepSource reads the baseline and confirms the source state is reachable.
// Postcondition: c.state is populated.
func (o *Orchestrator) stepSource(ctx context.Context, c *cycle) error {
	baseline, cp, err := o.deps.Checkpoints.Baseline(ctx)
	if err != nil {
		return eris.Wrap(err, "syncer: read baseline")
	}
	if cp != nil {
		c.report.BaselineCheckpoint = cp.ID
	}

	state, err := o.deps.Source.State(ctx, baseline)
	if err != nil {
		return err
	}
	c.state = state
	c.report.Revision = state.Revision
	c.report.Baseline = baseline
	c.report.Dirty = state.Dirty
	return nil
}

// stepValidate runs validation. A blocking failure is handed to healing and
// halts the cycle.
func (o *Orchestrator) stepValidate(ctx context.Context, c *cycle) error {
	if o.deps.Validator == nil {
		return nil
	}
	rep, err := o.deps.Validator.Run(ctx)
	if err != nil {
		return eris.Wrap(err, "syncer: validate")
	}
	c.validation = &rep
	c.report.Validation = rep.Runs
	if rep.Passed() {
		return nil
	}

	c.halt = true
	if o.deps.Healer == nil {
		c.report.Outcome = OutcomeEscalated
		return nil
	}
	out, err := o.deps.Healer.Heal(c.interrupt, *rep.Failed)
	if err != nil {
		return eris.Wrap(err, "syncer: heal")
	}
	c.report.Healing = &out
	if out.State == healing.StateResolved {
		c.report.Outcome = OutcomeHealed
	} else {
		c.report.Outcome = OutcomeEscalated
	}
	return nil
}

// stepDrift scores drift against the baseline, marks intersecting records
// stale and re-derives them when the score exceeds the threshold.
func (o *Orchestrator) stepDrift(ctx context.Context, c *cycle) error {
	recs := o.deps.Records.Snapshot().List("")
	a := o.detector.Evaluate(recs, c.state)
	c.report.Drift = a
	metrics.ObserveDrift(a.Score)
	o.emit(ctx, model.EventDriftScored, c.report.CycleID, map[string]any{
		"score":        a.Score,
		"threshold":    a.Threshold,
		"exceeded":     a.Exceeded,
		"baseline":     c.state.Since,
		"revision":     c.state.Revision,
		"changed":      len(c.state.Changed),
		"intersecting": len(a.Intersecting),
	})

	if len(a.Intersecting) > 0 {
		staled, err := o.deps.Records.MarkStale(ctx, a.Intersecting, true)
		if err != nil {
			return eris.Wrap(err, "syncer: mark stale")
		}
		c.report.Staled = staled
		metrics.AddStale(len(staled))
		o.emit(ctx, model.EventRecordsStale, c.report.CycleID, map[string]any{"ids": staled})
	}
	if len(a.Orphaned) > 0 {
		o.log.Warn("syncer: records reference deleted paths", zap.Strings("ids", a.Orphaned))
		o.emit(ctx, model.EventRecordsOrphaned, c.report.CycleID, map[string]any{"ids": a.Orphaned})
	}

	if !a.Exceeded || len(a.Intersecting) == 0 {
		return nil
	}

	rctx := ctx
	if o.opts.RederiveTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, o.opts.RederiveTimeout)
		defer cancel()
	}
	o.log.Info("syncer: drift above threshold, re-deriving",
		zap.Float64("score", a.Score),
		zap.Float64("threshold", a.Threshold),
		zap.Int("records", len(a.Intersecting)),
	)
	if err := o.deps.Rederiver.Rederive(rctx, a.Intersecting); err != nil {
		return eris.Wrap(err, "syncer: rederive")
	}
	c.report.Rederived = a.Intersecting
	o.emit(ctx, model.EventRederiveRequested, c.report.CycleID, map[string]any{"ids": a.Intersecting})
	return nil
}

func (o *Orchestrator) stepPrune(ctx context.Context, c *cycle) error {
	res, err := o.deps.Pruner.Pass(ctx, o.nowFunc())
	if err != nil {
		return err
	}
	c.report.Pruned = res.Deleted
	return nil
}

func (o *Orchestrator) stepCheckpoint(ctx context.Context, c *cycle) error {
	cp, err := o.deps.Checkpoints.Create(ctx, CheckpointLabel)
	if err != nil {
		return err
	}
	c.report.CheckpointID = cp.ID
	return nil
}

func (o *Orchestrator) stepReport(ctx context.Context, c *cycle) error {
	c.report.Duration = o.nowFunc().Sub(c.report.StartedAt)
	o.finish(ctx, c)
	return nil
}

// finish records metrics and emits the cycle report.
func (o *Orchestrator) finish(ctx context.Context, c *cycle) {
	metrics.ObserveCycle(string(c.report.Outcome), c.report.Duration)
	metrics.SetRecordCounts(o.deps.Records.Snapshot().CountByTier())

	pruned := make(map[string]int, len(c.report.Pruned))
	for tier, n := range c.report.Pruned {
		pruned[string(tier)] = n
	}
	steps := make([]map[string]any, 0, len(c.report.Steps))
	for _, s := range c.report.Steps {
		steps = append(steps, map[string]any{"name": string(s.Name), "status": string(s.Status)})
	}
	o.emit(ctx, model.EventCycleReport, c.report.CycleID, map[string]any{
		"outcome":        string(c.report.Outcome),
		"revision":       c.report.Revision,
		"drift_score":    c.report.Drift.Score,
		"drift_exceeded": c.report.Drift.Exceeded,
		"pruned":         pruned,
		"checkpoint_id":  c.report.CheckpointID,
		"steps":          steps,
		"duration_ms":    c.report.Duration.Milliseconds(),
	})
}
