// Package validation runs ordered validation levels against the source and
// turns collaborator outcomes into ValidationRuns.
package validation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/config"
	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/metrics"
	"github.com/sells-group/ctxsync/internal/model"
)

// DefaultTimeout bounds a level that does not set its own timeout.
const DefaultTimeout = 5 * time.Minute

// Level is one step of the validation sequence.
type Level struct {
	Name     string
	Optional bool
	Timeout  time.Duration
}

// Result is what a validator reports for one level.
type Result struct {
	Pass        bool
	Diagnostics []model.Diagnostic
}

// Validator is the validation collaborator.
type Validator interface {
	Run(ctx context.Context, level Level) (Result, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, level Level) (Result, error)

// Run calls f.
func (f ValidatorFunc) Run(ctx context.Context, level Level) (Result, error) {
	return f(ctx, level)
}

// LevelsFromConfig builds the ordered levels from configuration.
func LevelsFromConfig(cfg config.ValidationConfig) []Level {
	def := time.Duration(cfg.DefaultTimeoutSecs) * time.Second
	out := make([]Level, 0, len(cfg.Levels))
	for _, l := range cfg.Levels {
		timeout := def
		if l.TimeoutSecs > 0 {
			timeout = time.Duration(l.TimeoutSecs) * time.Second
		}
		out = append(out, Level{Name: l.Name, Optional: l.Optional, Timeout: timeout})
	}
	return out
}

// Report is the outcome of a full validation sequence.
type Report struct {
	Runs []model.ValidationRun
	// Failed is the blocking run that halted the sequence, nil when every
	// blocking level passed.
	Failed *model.ValidationRun
}

// Passed reports whether no blocking level failed.
func (r Report) Passed() bool {
	return r.Failed == nil
}

// Orchestrator runs levels strictly in order.
type Orchestrator struct {
	v       Validator
	levels  []Level
	events  *eventlog.Log
	nowFunc func() time.Time
	log     *zap.Logger
}

// NewOrchestrator creates an orchestrator over the given levels.
func NewOrchestrator(v Validator, levels []Level, events *eventlog.Log) *Orchestrator {
	return &Orchestrator{
		v:       v,
		levels:  levels,
		events:  events,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "validation")),
	}
}

// Levels returns the configured levels in order.
func (o *Orchestrator) Levels() []Level {
	return o.levels
}

// Level looks up a level by name.
func (o *Orchestrator) Level(name string) (Level, bool) {
	for _, l := range o.levels {
		if l.Name == name {
			return l, true
		}
	}
	return Level{}, false
}

// Run executes every level in order. A failing blocking level halts the
// sequence; failing optional levels are recorded and skipped past. The
// returned error is non-nil only when ctx is done between levels.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	var rep Report
	for _, level := range o.levels {
		if err := ctx.Err(); err != nil {
			return rep, eris.Wrap(err, "validation: run")
		}

		run, err := o.RunLevel(ctx, level)
		if err != nil {
			return rep, err
		}
		rep.Runs = append(rep.Runs, run)
		if run.Passed() {
			continue
		}
		if level.Optional {
			o.log.Warn("validation: optional level failed",
				zap.String("level", level.Name),
				zap.Int("diagnostics", len(run.Diagnostics)),
			)
			continue
		}
		rep.Failed = &rep.Runs[len(rep.Runs)-1]
		return rep, nil
	}
	return rep, nil
}

// RunLevel executes a single level under its timeout. Timeouts and
// collaborator errors become a failed run with one environment-unavailable
// diagnostic. The error is non-nil only when ctx itself is cancelled; the
// interrupted run is discarded.
func (o *Orchestrator) RunLevel(ctx context.Context, level Level) (model.ValidationRun, error) {
	timeout := level.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := o.nowFunc()
	res, err := o.v.Run(runCtx, level)
	if cerr := ctx.Err(); cerr != nil {
		o.log.Info("validation: level interrupted", zap.String("level", level.Name))
		return model.ValidationRun{}, eris.Wrapf(cerr, "validation: level %s", level.Name)
	}
	if err == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = runCtx.Err()
	}

	run := model.ValidationRun{
		ID:        uuid.NewString(),
		Level:     level.Name,
		Optional:  level.Optional,
		StartedAt: start.UTC(),
		Duration:  o.nowFunc().Sub(start),
	}
	switch {
	case err != nil:
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "validation level " + level.Name + " timed out after " + timeout.String()
		}
		run.Result = model.ValidationFail
		run.Diagnostics = []model.Diagnostic{{Code: string(model.ClassEnvironmentUnavailable), Message: msg}}
	case res.Pass:
		run.Result = model.ValidationPass
		run.Diagnostics = res.Diagnostics
	default:
		run.Result = model.ValidationFail
		run.Diagnostics = res.Diagnostics
	}

	metrics.ObserveValidation(level.Name, run.Result, run.Duration)
	o.log.Info("validation: level finished",
		zap.String("level", level.Name),
		zap.String("run_id", run.ID),
		zap.String("result", string(run.Result)),
		zap.Duration("duration", run.Duration),
		zap.Int("diagnostics", len(run.Diagnostics)),
	)

	if o.events != nil {
		_, _ = o.events.Emit(ctx, model.EventValidationRun, run.ID, map[string]any{
			"level":       run.Level,
			"result":      string(run.Result),
			"optional":    run.Optional,
			"duration_ms": run.Duration.Milliseconds(),
			"diagnostics": run.Diagnostics,
		})
	}
	return run, nil
}
