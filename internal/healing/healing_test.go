package healing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ctxsync/internal/checkpoint"
	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/validation"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func failedRun(codes ...string) model.ValidationRun {
	run := model.ValidationRun{ID: "run-1", Level: "structural", Result: model.ValidationFail}
	for _, c := range codes {
		run.Diagnostics = append(run.Diagnostics, model.Diagnostic{Code: c, Message: "boom", Path: "a.go"})
	}
	return run
}

// fakeRunner returns the queued runs in order, repeating the last one.
type fakeRunner struct {
	mu    sync.Mutex
	queue []model.ValidationRun
	calls int
}

func (f *fakeRunner) Level(name string) (validation.Level, bool) {
	return validation.Level{Name: name}, true
}

func (f *fakeRunner) RunLevel(ctx context.Context, _ validation.Level) (model.ValidationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return model.ValidationRun{}, err
	}
	if len(f.queue) == 0 {
		return model.ValidationRun{Result: model.ValidationPass}, nil
	}
	run := f.queue[0]
	if len(f.queue) > 1 {
		f.queue = f.queue[1:]
	}
	return run, nil
}

type countingRemediator struct {
	calls int
	err   error
	hook  func()
}

func (c *countingRemediator) Remediate(context.Context, model.ErrorClass, model.ValidationRun) (string, error) {
	c.calls++
	if c.hook != nil {
		c.hook()
	}
	return "counting", c.err
}

type fakeRestorer struct {
	calls int
	err   error
}

func (f *fakeRestorer) RestoreLatest(context.Context) (checkpoint.RestoreResult, error) {
	f.calls++
	if f.err != nil {
		return checkpoint.RestoreResult{}, f.err
	}
	return checkpoint.RestoreResult{Checkpoint: model.Checkpoint{ID: "cp-good", SourceRevision: "rev1"}}, nil
}

type staticRevision string

func (s staticRevision) CurrentRevision(context.Context) (string, error) { return string(s), nil }

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		diags []model.Diagnostic
		want  model.ErrorClass
	}{
		{"exact", []model.Diagnostic{{Code: "type-conflict"}}, model.ClassTypeConflict},
		{"case folded", []model.Diagnostic{{Code: "MISSING-Reference"}}, model.ClassMissingReference},
		{"catalog order wins", []model.Diagnostic{{Code: "type-conflict"}, {Code: "duplicate-declaration"}}, model.ClassDuplicateDeclaration},
		{"environment", []model.Diagnostic{{Code: "environment-unavailable"}}, model.ClassEnvironmentUnavailable},
		{"free text", []model.Diagnostic{{Message: "missing-reference"}}, model.ClassUnclassified},
		{"unknown code", []model.Diagnostic{{Code: "E1234"}}, model.ClassUnclassified},
		{"none", nil, model.ClassUnclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.diags))
		})
	}
}

func TestMachine(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StateValidating, m.State())
	require.NoError(t, m.To(StateHealing))
	require.NoError(t, m.To(StateValidating))
	require.NoError(t, m.To(StateResolved))
	assert.True(t, m.State().Terminal())

	err := m.To(StateHealing)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, []State{StateValidating, StateHealing, StateValidating, StateResolved}, m.History())

	m = NewMachine()
	require.NoError(t, m.To(StateHealing))
	assert.ErrorIs(t, m.To(StateResolved), ErrIllegalTransition)
}

// Scenario C: four consecutive failures of a fixable class with max_attempts=3.
func TestHeal_EscalatesAfterMaxAttempts(t *testing.T) {
	runner := &fakeRunner{queue: []model.ValidationRun{failedRun("missing-reference")}}
	rem := &countingRemediator{}
	restorer := &fakeRestorer{}
	dir := t.TempDir()

	e := NewEngine(runner, restorer, staticRevision("rev9"), nil, Options{
		MaxAttempts: 3,
		BundleDir:   dir,
		Fallback:    rem,
	})

	out, err := e.Heal(context.Background(), failedRun("missing-reference"))
	require.NoError(t, err)

	assert.Equal(t, StateEscalated, out.State)
	assert.Equal(t, model.ClassMissingReference, out.Class)
	assert.Equal(t, 3, rem.calls)
	assert.Equal(t, 3, runner.calls)
	require.Len(t, out.Attempts, 3)
	for i, a := range out.Attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, model.AttemptUnresolved, a.Outcome)
	}
	assert.Equal(t, 1, restorer.calls)
	require.NotNil(t, out.Restore)
	assert.Equal(t, "cp-good", out.Restore.Checkpoint.ID)

	require.NotEmpty(t, out.BundlePath)
	data, err := os.ReadFile(out.BundlePath)
	require.NoError(t, err)
	var b Bundle
	require.NoError(t, yaml.Unmarshal(data, &b))
	assert.Equal(t, "run-1", b.RunID)
	assert.Equal(t, model.ClassMissingReference, b.Class)
	assert.Equal(t, "rev9", b.SourceRevision)
	assert.Equal(t, "cp-good", b.CheckpointID)
	assert.Len(t, b.Attempts, 3)
}

// Scenario D: environment-unavailable skips remediation.
func TestHeal_EnvironmentUnavailableEscalatesImmediately(t *testing.T) {
	runner := &fakeRunner{}
	rem := &countingRemediator{}
	restorer := &fakeRestorer{}
	e := NewEngine(runner, restorer, nil, nil, Options{Fallback: rem})

	out, err := e.Heal(context.Background(), failedRun("environment-unavailable"))
	require.NoError(t, err)

	assert.Equal(t, StateEscalated, out.State)
	assert.Empty(t, out.Attempts)
	assert.Zero(t, rem.calls)
	assert.Zero(t, runner.calls)
	assert.Equal(t, 1, restorer.calls)
}

func TestHeal_UnclassifiedEscalatesImmediately(t *testing.T) {
	rem := &countingRemediator{}
	e := NewEngine(&fakeRunner{}, &fakeRestorer{}, nil, nil, Options{Fallback: rem})

	run := model.ValidationRun{ID: "run-2", Level: "structural", Result: model.ValidationFail,
		Diagnostics: []model.Diagnostic{{Message: "something broke"}}}
	out, err := e.Heal(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, out.State)
	assert.Equal(t, model.ClassUnclassified, out.Class)
	assert.Zero(t, rem.calls)
}

func TestHeal_ResolvesOnSecondAttempt(t *testing.T) {
	runner := &fakeRunner{queue: []model.ValidationRun{
		failedRun("type-conflict"),
		{ID: "run-ok", Level: "structural", Result: model.ValidationPass},
	}}
	rem := &countingRemediator{}
	restorer := &fakeRestorer{}
	e := NewEngine(runner, restorer, nil, nil, Options{Fallback: rem})

	out, err := e.Heal(context.Background(), failedRun("type-conflict"))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, out.State)
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, model.AttemptUnresolved, out.Attempts[0].Outcome)
	assert.Equal(t, model.AttemptResolved, out.Attempts[1].Outcome)
	assert.True(t, out.Final.Passed())
	assert.Zero(t, restorer.calls)
}

func TestHeal_ClassOverride(t *testing.T) {
	override := &countingRemediator{}
	fallback := &countingRemediator{}
	e := NewEngine(&fakeRunner{}, &fakeRestorer{}, nil, nil, Options{
		Fallback:    fallback,
		Remediators: map[model.ErrorClass]Remediator{model.ClassDuplicateDeclaration: override},
	})

	out, err := e.Heal(context.Background(), failedRun("duplicate-declaration"))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, out.State)
	assert.Equal(t, 1, override.calls)
	assert.Zero(t, fallback.calls)
}

func TestHeal_RerunWithNonFixableClassEscalates(t *testing.T) {
	runner := &fakeRunner{queue: []model.ValidationRun{failedRun("environment-unavailable")}}
	rem := &countingRemediator{}
	e := NewEngine(runner, &fakeRestorer{}, nil, nil, Options{Fallback: rem})

	out, err := e.Heal(context.Background(), failedRun("missing-reference"))
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, out.State)
	assert.Equal(t, model.ClassEnvironmentUnavailable, out.Class)
	assert.Equal(t, 1, rem.calls)
	assert.Len(t, out.Attempts, 1)
}

func TestHeal_RemediationErrorCountsAsAttempt(t *testing.T) {
	runner := &fakeRunner{}
	rem := &countingRemediator{err: errors.New("go mod tidy: network down")}
	e := NewEngine(runner, &fakeRestorer{}, nil, nil, Options{MaxAttempts: 2, Fallback: rem})

	out, err := e.Heal(context.Background(), failedRun("missing-reference"))
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, out.State)
	assert.Equal(t, 2, rem.calls)
	assert.Zero(t, runner.calls)
	require.Len(t, out.Attempts, 2)
	assert.Contains(t, out.Attempts[0].Error, "network down")
}

func TestHeal_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{queue: []model.ValidationRun{failedRun("missing-reference")}}
	rem := &countingRemediator{hook: cancel}
	restorer := &fakeRestorer{}
	e := NewEngine(runner, restorer, nil, nil, Options{Fallback: rem})

	out, err := e.Heal(ctx, failedRun("missing-reference"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rem.calls)
	assert.Len(t, out.Attempts, 1)
	assert.False(t, out.State.Terminal())
	assert.Zero(t, restorer.calls)
}

func TestHeal_CancelledBeforeEscalation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	restorer := &fakeRestorer{}
	dir := t.TempDir()
	e := NewEngine(&fakeRunner{}, restorer, nil, nil, Options{BundleDir: dir, Fallback: &countingRemediator{}})

	out, err := e.Heal(ctx, failedRun("environment-unavailable"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, out.State.Terminal())
	assert.Zero(t, restorer.calls)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHeal_RestoreFailureRecordedInBundle(t *testing.T) {
	st := newTestSQLite(t)
	restorer := &fakeRestorer{err: checkpoint.ErrNoRestorableCheckpoint}
	e := NewEngine(&fakeRunner{}, restorer, staticRevision("rev2"), eventlog.New(st), Options{})

	out, err := e.Heal(context.Background(), failedRun("environment-unavailable"))
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, out.State)
	assert.Nil(t, out.Restore)

	events, err := st.QueryEvents(context.Background(), model.EventFilter{Kind: model.EventHealingEscalated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "run-1", events[0].EntityID)
	assert.Equal(t, "rev2", events[0].Payload["source_revision"])
	assert.Contains(t, events[0].Payload["restore_error"], "no restorable checkpoint")
}

func TestHeal_EscalationCarriesAttemptHistory(t *testing.T) {
	st := newTestSQLite(t)
	runner := &fakeRunner{queue: []model.ValidationRun{failedRun("missing-reference")}}
	e := NewEngine(runner, &fakeRestorer{}, nil, eventlog.New(st), Options{
		MaxAttempts: 2,
		Fallback:    &countingRemediator{},
	})

	out, err := e.Heal(context.Background(), failedRun("missing-reference"))
	require.NoError(t, err)
	require.Equal(t, StateEscalated, out.State)
	require.Len(t, out.Attempts, 2)

	events, err := st.QueryEvents(context.Background(), model.EventFilter{Kind: model.EventHealingEscalated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	attempts, ok := events[0].Payload["attempts"].([]any)
	require.True(t, ok, "attempts should be the attempt list, got %T", events[0].Payload["attempts"])
	require.Len(t, attempts, 2)
	first, ok := attempts[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(model.ClassMissingReference), first["error_class"])
	assert.EqualValues(t, 1, first["attempt_number"])
}

func TestHeal_BackoffBetweenAttempts(t *testing.T) {
	runner := &fakeRunner{queue: []model.ValidationRun{failedRun("missing-reference")}}
	e := NewEngine(runner, &fakeRestorer{}, nil, nil, Options{
		MaxAttempts: 2,
		Fallback:    &countingRemediator{},
		Backoff:     resilienceBackoff(10 * time.Millisecond),
	})

	start := time.Now()
	out, err := e.Heal(context.Background(), failedRun("missing-reference"))
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, out.State)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestWriteBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	path, err := writeBundle(dir, Bundle{RunID: "abc", Class: model.ClassTypeConflict})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escalation-abc.yaml"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "error_class: type-conflict")
}
