// Package syncer runs the sync cycle: confirm the source, validate, score
// drift, prune, checkpoint and report, in that order.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/drift"
	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/healing"
	"github.com/sells-group/ctxsync/internal/metrics"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/prune"
	"github.com/sells-group/ctxsync/internal/records"
	"github.com/sells-group/ctxsync/internal/validation"
)

// CheckpointLabel labels checkpoints created by a cycle.
const CheckpointLabel = "cycle"

// SourceReader produces the source state relative to a baseline revision.
type SourceReader interface {
	State(ctx context.Context, since string) (model.SourceState, error)
}

// Validator runs the configured validation levels.
type Validator interface {
	Run(ctx context.Context) (validation.Report, error)
}

// Healer handles a failed blocking validation run.
type Healer interface {
	Heal(ctx context.Context, failed model.ValidationRun) (healing.Outcome, error)
}

// Pruner runs one pruning pass.
type Pruner interface {
	Pass(ctx context.Context, now time.Time) (prune.Result, error)
}

// Checkpointer creates checkpoints and reports the drift baseline.
type Checkpointer interface {
	Baseline(ctx context.Context) (string, *model.Checkpoint, error)
	Create(ctx context.Context, label string) (model.Checkpoint, error)
}

// Deps are the collaborators of a cycle. Validator and Healer may be nil.
type Deps struct {
	Source      SourceReader
	Records     *records.Store
	Validator   Validator
	Healer      Healer
	Pruner      Pruner
	Checkpoints Checkpointer
	Rederiver   records.Rederiver
	Events      *eventlog.Log
}

// Options tunes a cycle.
type Options struct {
	Threshold       float64
	RederiveTimeout time.Duration
}

// Orchestrator executes cycles one at a time.
type Orchestrator struct {
	deps     Deps
	detector drift.Detector
	opts     Options
	steps    []step
	running  chan struct{}
	nowFunc  func() time.Time
	log      *zap.Logger

	mu   sync.RWMutex
	last *Report
}

// New creates a sync orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Rederiver == nil {
		deps.Rederiver = records.NopRederiver{}
	}
	o := &Orchestrator{
		deps:     deps,
		detector: drift.NewDetector(opts.Threshold),
		opts:     opts,
		running:  make(chan struct{}, 1),
		nowFunc:  time.Now,
		log:      zap.L().With(zap.String("component", "syncer")),
	}
	o.steps = []step{
		{StepSource, o.stepSource},
		{StepValidate, o.stepValidate},
		{StepDrift, o.stepDrift},
		{StepPrune, o.stepPrune},
		{StepCheckpoint, o.stepCheckpoint},
		{StepReport, o.stepReport},
	}
	return o
}

// Last returns the report of the most recent cycle, or nil.
func (o *Orchestrator) Last() *Report {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return nil
	}
	r := *o.last
	return &r
}

// Run executes one cycle. It waits for a running cycle to finish first.
// Cancellation is observed before each step; a step that has started runs to
// completion.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if err := o.acquire(ctx); err != nil {
		return nil, err
	}
	defer o.release()

	c := &cycle{
		report: &Report{
			CycleID:   uuid.NewString(),
			StartedAt: o.nowFunc().UTC(),
			Outcome:   OutcomeCompleted,
		},
		interrupt: ctx,
	}
	log := o.log.With(zap.String("cycle_id", c.report.CycleID))
	log.Info("syncer: cycle started")

	stepCtx := context.WithoutCancel(ctx)
	var runErr error
	skipping := false
	for _, s := range o.steps {
		// A halted cycle skips straight to its report.
		if skipping && (s.name != StepReport || runErr != nil) {
			c.report.Steps = append(c.report.Steps, StepResult{Name: s.name, Status: StepSkipped})
			continue
		}
		if err := ctx.Err(); err != nil {
			c.report.Outcome = OutcomeCancelled
			c.report.Steps = append(c.report.Steps, StepResult{Name: s.name, Status: StepSkipped})
			runErr = eris.Wrapf(err, "syncer: cancelled before %s", s.name)
			skipping = true
			continue
		}

		start := o.nowFunc()
		err := s.run(stepCtx, c)
		res := StepResult{Name: s.name, Status: StepOK, Duration: o.nowFunc().Sub(start)}
		if err != nil {
			res.Status = StepFailed
			res.Error = err.Error()
			c.report.Error = err.Error()
			if ctx.Err() != nil {
				c.report.Outcome = OutcomeCancelled
			} else {
				c.report.Outcome = OutcomeFailed
				o.fail(stepCtx, c, s.name, err)
			}
			runErr = err
			skipping = true
		}
		c.report.Steps = append(c.report.Steps, res)
		if c.halt {
			skipping = true
		}
	}

	c.report.Duration = o.nowFunc().Sub(c.report.StartedAt)
	if runErr != nil {
		metrics.ObserveCycle(string(c.report.Outcome), c.report.Duration)
	}

	o.mu.Lock()
	o.last = c.report
	o.mu.Unlock()

	log.Info("syncer: cycle finished",
		zap.String("outcome", string(c.report.Outcome)),
		zap.Duration("duration", c.report.Duration),
		zap.Float64("drift_score", c.report.Drift.Score),
		zap.String("checkpoint_id", c.report.CheckpointID),
	)
	return c.report, runErr
}

// Exclusive runs fn while no cycle is in progress. Cycles started in the
// meantime wait for fn to return.
func (o *Orchestrator) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := o.acquire(ctx); err != nil {
		return err
	}
	defer o.release()
	return fn(ctx)
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.running <- struct{}{}:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "syncer: wait for running cycle")
	}
}

func (o *Orchestrator) release() { <-o.running }

func (o *Orchestrator) fail(ctx context.Context, c *cycle, name StepName, err error) {
	o.log.Error("syncer: cycle failed",
		zap.String("cycle_id", c.report.CycleID),
		zap.String("step", string(name)),
		zap.Error(err),
	)
	payload := map[string]any{
		"step":          string(name),
		"error":         err.Error(),
		"revision":      c.report.Revision,
		"checkpoint_id": c.report.BaselineCheckpoint,
	}
	if c.validation != nil && c.validation.Failed != nil {
		payload["diagnostics"] = c.validation.Failed.Diagnostics
	}
	o.emit(ctx, model.EventCycleFailed, c.report.CycleID, payload)
}

func (o *Orchestrator) emit(ctx context.Context, kind model.EventKind, entity string, payload map[string]any) {
	if o.deps.Events == nil {
		return
	}
	_, _ = o.deps.Events.Emit(ctx, kind, entity, payload)
}
