// Package healing classifies validation failures, applies bounded
// remediation and escalates to a checkpoint restore when it cannot recover.
package healing

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ctxsync/internal/checkpoint"
	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/metrics"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/resilience"
	"github.com/sells-group/ctxsync/internal/validation"
)

// DefaultMaxAttempts bounds remediation attempts per healing run.
const DefaultMaxAttempts = 3

// LevelRunner re-runs a single validation level.
type LevelRunner interface {
	Level(name string) (validation.Level, bool)
	RunLevel(ctx context.Context, level validation.Level) (model.ValidationRun, error)
}

// Restorer rolls the system back after escalation.
type Restorer interface {
	RestoreLatest(ctx context.Context) (checkpoint.RestoreResult, error)
}

// Revisioner reports the current source revision for escalation bundles.
type Revisioner interface {
	CurrentRevision(ctx context.Context) (string, error)
}

// Options configures the engine.
type Options struct {
	MaxAttempts int
	Backoff     resilience.Backoff
	// BundleDir receives one YAML file per escalation when set.
	BundleDir string
	// Remediators overrides the default remediation per class.
	Remediators map[model.ErrorClass]Remediator
	// Fallback remediates fixable classes without an override.
	Fallback Remediator
}

// Outcome is the result of one healing run.
type Outcome struct {
	RunID      string                    `json:"run_id" yaml:"run_id"`
	State      State                     `json:"state" yaml:"state"`
	Class      model.ErrorClass          `json:"error_class" yaml:"error_class"`
	Attempts   []model.HealingAttempt    `json:"attempts" yaml:"attempts"`
	Final      model.ValidationRun       `json:"final_run" yaml:"final_run"`
	Restore    *checkpoint.RestoreResult `json:"restore,omitempty" yaml:"-"`
	BundlePath string                    `json:"bundle_path,omitempty" yaml:"-"`
}

// Bundle is the escalation record handed to a human.
type Bundle struct {
	RunID          string                 `yaml:"run_id"`
	Level          string                 `yaml:"level"`
	Class          model.ErrorClass       `yaml:"error_class"`
	Attempts       []model.HealingAttempt `yaml:"attempts"`
	Diagnostics    []model.Diagnostic     `yaml:"diagnostics"`
	SourceRevision string                 `yaml:"source_revision"`
	CheckpointID   string                 `yaml:"checkpoint_id,omitempty"`
	RestoreError   string                 `yaml:"restore_error,omitempty"`
	EscalatedAt    time.Time              `yaml:"escalated_at"`
}

// Engine drives the healing state machine.
type Engine struct {
	runner   LevelRunner
	restorer Restorer
	src      Revisioner
	events   *eventlog.Log
	opts     Options
	nowFunc  func() time.Time
	log      *zap.Logger
}

// NewEngine creates a healing engine.
func NewEngine(runner LevelRunner, restorer Restorer, src Revisioner, events *eventlog.Log, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Engine{
		runner:   runner,
		restorer: restorer,
		src:      src,
		events:   events,
		opts:     opts,
		nowFunc:  time.Now,
		log:      zap.L().With(zap.String("component", "healing")),
	}
}

func (e *Engine) remediator(class model.ErrorClass) Remediator {
	if r, ok := e.opts.Remediators[class]; ok {
		return r
	}
	return e.opts.Fallback
}

// Heal processes a failed validation run until it is resolved or escalated.
// Each remediation runs to completion; ctx is checked between attempts and a
// cancelled run returns ctx's error without escalating.
func (e *Engine) Heal(ctx context.Context, failed model.ValidationRun) (Outcome, error) {
	m := NewMachine()
	out := Outcome{RunID: failed.ID, Final: failed}

	level, ok := e.runner.Level(failed.Level)
	if !ok {
		level = validation.Level{Name: failed.Level, Optional: failed.Optional}
	}

	last := failed
	for {
		class := Classify(last.Diagnostics)
		out.Class = class
		if !class.Fixable() || len(out.Attempts) >= e.opts.MaxAttempts {
			if err := ctx.Err(); err != nil {
				out.State = m.State()
				return out, eris.Wrap(err, "healing: cancelled before escalation")
			}
			return e.escalate(ctx, m, out)
		}

		if n := len(out.Attempts); n > 0 {
			if err := e.opts.Backoff.Wait(ctx, n); err != nil {
				out.State = m.State()
				return out, eris.Wrap(err, "healing: wait")
			}
		}
		if err := ctx.Err(); err != nil {
			out.State = m.State()
			return out, eris.Wrap(err, "healing: cancelled")
		}

		if err := m.To(StateHealing); err != nil {
			return out, err
		}
		attempt := model.HealingAttempt{
			RunID:         failed.ID,
			AttemptNumber: len(out.Attempts) + 1,
			ErrorClass:    class,
			Outcome:       model.AttemptUnresolved,
		}

		rem := e.remediator(class)
		var remErr error
		if rem == nil {
			remErr = eris.Errorf("healing: no remediation for %s", class)
		} else {
			attempt.Remediation, remErr = rem.Remediate(context.WithoutCancel(ctx), class, last)
		}
		if err := m.To(StateValidating); err != nil {
			return out, err
		}

		if remErr != nil {
			attempt.Error = remErr.Error()
			e.log.Warn("healing: remediation failed",
				zap.String("run_id", failed.ID),
				zap.Int("attempt", attempt.AttemptNumber),
				zap.String("class", string(class)),
				zap.Error(remErr),
			)
		} else {
			run, err := e.runner.RunLevel(ctx, level)
			if err != nil {
				attempt.Error = err.Error()
				attempt.At = e.nowFunc().UTC()
				out.Attempts = append(out.Attempts, attempt)
				e.recordAttempt(context.WithoutCancel(ctx), attempt)
				out.State = m.State()
				return out, eris.Wrap(err, "healing: re-validate")
			}
			last = run
			out.Final = last
			if last.Passed() {
				attempt.Outcome = model.AttemptResolved
			}
		}
		attempt.At = e.nowFunc().UTC()
		out.Attempts = append(out.Attempts, attempt)
		e.recordAttempt(ctx, attempt)

		if attempt.Outcome == model.AttemptResolved {
			if err := m.To(StateResolved); err != nil {
				return out, err
			}
			out.State = m.State()
			metrics.IncHealingOutcome(string(StateResolved))
			e.log.Info("healing: resolved",
				zap.String("run_id", failed.ID),
				zap.String("class", string(class)),
				zap.Int("attempts", len(out.Attempts)),
			)
			e.emit(ctx, model.EventHealingResolved, failed.ID, map[string]any{
				"level":    failed.Level,
				"class":    string(class),
				"attempts": len(out.Attempts),
			})
			return out, nil
		}
	}
}

func (e *Engine) recordAttempt(ctx context.Context, a model.HealingAttempt) {
	metrics.IncHealingAttempt(a.ErrorClass, a.Outcome)
	e.log.Info("healing: attempt",
		zap.String("run_id", a.RunID),
		zap.Int("attempt", a.AttemptNumber),
		zap.String("class", string(a.ErrorClass)),
		zap.String("remediation", a.Remediation),
		zap.String("outcome", string(a.Outcome)),
	)
	e.emit(ctx, model.EventHealingAttempt, a.RunID, map[string]any{
		"attempt":     a.AttemptNumber,
		"class":       string(a.ErrorClass),
		"remediation": a.Remediation,
		"outcome":     string(a.Outcome),
		"error":       a.Error,
	})
}

// escalate is terminal: it restores the latest checkpoint and records the bundle.
func (e *Engine) escalate(ctx context.Context, m *Machine, out Outcome) (Outcome, error) {
	if err := m.To(StateEscalated); err != nil {
		return out, err
	}
	out.State = m.State()
	ctx = context.WithoutCancel(ctx)

	b := Bundle{
		RunID:       out.RunID,
		Level:       out.Final.Level,
		Class:       out.Class,
		Attempts:    out.Attempts,
		Diagnostics: out.Final.Diagnostics,
		EscalatedAt: e.nowFunc().UTC(),
	}
	if e.src != nil {
		if rev, err := e.src.CurrentRevision(ctx); err == nil {
			b.SourceRevision = rev
		}
	}

	if e.restorer != nil {
		res, err := e.restorer.RestoreLatest(ctx)
		if err != nil {
			b.RestoreError = err.Error()
			e.log.Error("healing: restore after escalation failed", zap.String("run_id", out.RunID), zap.Error(err))
		} else {
			out.Restore = &res
			b.CheckpointID = res.Checkpoint.ID
		}
	}

	if e.opts.BundleDir != "" {
		path, err := writeBundle(e.opts.BundleDir, b)
		if err != nil {
			e.log.Error("healing: bundle not written", zap.String("run_id", out.RunID), zap.Error(err))
		} else {
			out.BundlePath = path
		}
	}

	metrics.IncHealingOutcome(string(StateEscalated))
	e.log.Warn("healing: escalated",
		zap.String("run_id", out.RunID),
		zap.String("level", b.Level),
		zap.String("class", string(b.Class)),
		zap.Int("attempts", len(out.Attempts)),
		zap.String("checkpoint_id", b.CheckpointID),
	)
	e.emit(ctx, model.EventHealingEscalated, out.RunID, map[string]any{
		"level":           b.Level,
		"class":           string(b.Class),
		"attempts":        b.Attempts,
		"diagnostics":     b.Diagnostics,
		"source_revision": b.SourceRevision,
		"checkpoint_id":   b.CheckpointID,
		"restore_error":   b.RestoreError,
		"bundle_path":     out.BundlePath,
	})
	return out, nil
}

func writeBundle(dir string, b Bundle) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", eris.Wrapf(err, "healing: create bundle dir %s", dir)
	}
	data, err := yaml.Marshal(b)
	if err != nil {
		return "", eris.Wrap(err, "healing: marshal bundle")
	}
	path := filepath.Join(dir, "escalation-"+b.RunID+".yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", eris.Wrapf(err, "healing: write bundle %s", path)
	}
	return path, nil
}

func (e *Engine) emit(ctx context.Context, kind model.EventKind, entity string, payload map[string]any) {
	if e.events == nil {
		return
	}
	_, _ = e.events.Emit(ctx, kind, entity, payload)
}
