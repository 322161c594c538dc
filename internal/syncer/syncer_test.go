package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/checkpoint"
	"github.com/sells-group/ctxsync/internal/drift"
	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/healing"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/prune"
	"github.com/sells-group/ctxsync/internal/records"
	"github.com/sells-group/ctxsync/internal/source"
	"github.com/sells-group/ctxsync/internal/store"
	"github.com/sells-group/ctxsync/internal/validation"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeRepo is an in-memory source collaborator. changes maps a baseline
// revision to the paths changed since it.
type fakeRepo struct {
	mu      sync.Mutex
	rev     string
	changes map[string][]source.Change
	err     error
}

func (f *fakeRepo) CurrentRevision(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rev, f.err
}

func (f *fakeRepo) ChangedPaths(_ context.Context, since string) ([]source.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changes[since], f.err
}

func (f *fakeRepo) Dirty(context.Context) (bool, error) { return false, nil }

func (f *fakeRepo) Resolve(context.Context, string) (bool, error) { return true, nil }

func (f *fakeRepo) Checkout(_ context.Context, rev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev = rev
	return nil
}

func (f *fakeRepo) Read(context.Context, string) ([]byte, error) { return nil, nil }

func (f *fakeRepo) set(rev string, changes map[string][]source.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev = rev
	f.changes = changes
}

type recordingRederiver struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *recordingRederiver) Rederive(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ids)
	return r.err
}

type fixture struct {
	st        *store.SQLiteStore
	recs      *records.Store
	repo      *fakeRepo
	cps       *checkpoint.Manager
	rederiver *recordingRederiver
	deps      Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	recs, err := records.Open(ctx, st)
	require.NoError(t, err)

	cpLog, err := checkpoint.OpenBadgerLog(checkpoint.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { cpLog.Close() }) //nolint:errcheck

	repo := &fakeRepo{rev: "rev1"}
	tracker := source.NewTracker(repo, nil)
	events := eventlog.New(st)
	cps := checkpoint.NewManager(cpLog, tracker, recs, st, events, checkpoint.Options{})
	rd := &recordingRederiver{}

	return &fixture{
		st:        st,
		recs:      recs,
		repo:      repo,
		cps:       cps,
		rederiver: rd,
		deps: Deps{
			Source:      tracker,
			Records:     recs,
			Pruner:      prune.New(recs, st, events, prune.DefaultPolicy()),
			Checkpoints: cps,
			Rederiver:   rd,
			Events:      events,
		},
	}
}

func (f *fixture) put(t *testing.T, id string, paths ...string) {
	t.Helper()
	require.NoError(t, f.recs.Put(context.Background(), model.DerivedRecord{
		ID:          id,
		Tier:        model.TierNormal,
		CreatedAt:   time.Now(),
		SourcePaths: paths,
	}))
}

func (f *fixture) events(t *testing.T, kind model.EventKind) []model.Event {
	t.Helper()
	evs, err := f.st.QueryEvents(context.Background(), model.EventFilter{Kind: kind})
	require.NoError(t, err)
	return evs
}

func stepStatuses(r *Report) map[StepName]StepStatus {
	out := make(map[StepName]StepStatus, len(r.Steps))
	for _, s := range r.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestRun_FirstCycleHasNoBaseline(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a", "a.go")
	o := New(f.deps, Options{Threshold: drift.DefaultThreshold})

	rep, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Empty(t, rep.Baseline)
	assert.Equal(t, "rev1", rep.Revision)
	assert.Zero(t, rep.Drift.Score)
	assert.NotEmpty(t, rep.CheckpointID)
	require.Len(t, rep.Steps, 6)
	for _, s := range rep.Steps {
		assert.Equal(t, StepOK, s.Status, s.Name)
	}
	assert.Equal(t, []StepName{StepSource, StepValidate, StepDrift, StepPrune, StepCheckpoint, StepReport},
		[]StepName{rep.Steps[0].Name, rep.Steps[1].Name, rep.Steps[2].Name, rep.Steps[3].Name, rep.Steps[4].Name, rep.Steps[5].Name})

	reports := f.events(t, model.EventCycleReport)
	require.Len(t, reports, 1)
	assert.Equal(t, rep.CycleID, reports[0].EntityID)
	assert.Equal(t, rep.CheckpointID, reports[0].Payload["checkpoint_id"])

	require.NotNil(t, o.Last())
	assert.Equal(t, rep.CycleID, o.Last().CycleID)
}

// R={a,b,c}, C={b,d}: score 1/3 exceeds 0.20, so the intersecting record is
// marked stale and re-derived.
func TestRun_DriftAboveThresholdRederives(t *testing.T) {
	f := newFixture(t)
	f.put(t, "rec-a", "a")
	f.put(t, "rec-b", "b")
	f.put(t, "rec-c", "c")
	o := New(f.deps, Options{Threshold: 0.20})

	first, err := o.Run(context.Background())
	require.NoError(t, err)

	f.repo.set("rev2", map[string][]source.Change{"rev1": {{Path: "b"}, {Path: "d"}}})
	rep, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "rev1", rep.Baseline)
	assert.Equal(t, first.CheckpointID, rep.BaselineCheckpoint)
	assert.InDelta(t, 1.0/3.0, rep.Drift.Score, 1e-9)
	assert.True(t, rep.Drift.Exceeded)
	assert.Equal(t, []string{"rec-b"}, rep.Staled)
	assert.Equal(t, []string{"rec-b"}, rep.Rederived)
	require.Len(t, f.rederiver.calls, 1)
	assert.Equal(t, []string{"rec-b"}, f.rederiver.calls[0])

	b, _ := f.recs.Get("rec-b")
	assert.True(t, b.Stale)
	a, _ := f.recs.Get("rec-a")
	assert.False(t, a.Stale)
}

func TestRun_DriftBelowThresholdStillMarksStale(t *testing.T) {
	f := newFixture(t)
	f.put(t, "rec-a", "a")
	f.put(t, "rec-b", "b")
	f.put(t, "rec-c", "c")
	o := New(f.deps, Options{Threshold: 0.5})

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	f.repo.set("rev2", map[string][]source.Change{"rev1": {{Path: "b"}}})

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Drift.Exceeded)
	assert.Equal(t, []string{"rec-b"}, rep.Staled)
	assert.Empty(t, rep.Rederived)
	assert.Empty(t, f.rederiver.calls)

	b, _ := f.recs.Get("rec-b")
	assert.True(t, b.Stale)
}

func TestRun_DeletedPathReportsOrphans(t *testing.T) {
	f := newFixture(t)
	f.put(t, "rec-gone", "gone.go")
	o := New(f.deps, Options{Threshold: 0.2})

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	f.repo.set("rev2", map[string][]source.Change{"rev1": {{Path: "gone.go", Deleted: true}}})

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-gone"}, rep.Drift.Orphaned)

	orphans := f.events(t, model.EventRecordsOrphaned)
	require.Len(t, orphans, 1)

	r, _ := f.recs.Get("rec-gone")
	assert.True(t, r.Stale)
	assert.Equal(t, model.TierNormal, r.Tier)
}

func TestRun_SourceUnavailableFailsFast(t *testing.T) {
	f := newFixture(t)
	f.repo.err = errors.New("fatal: not a git repository")
	o := New(f.deps, Options{Threshold: 0.2})

	rep, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrSourceUnavailable)
	assert.Equal(t, OutcomeFailed, rep.Outcome)

	statuses := stepStatuses(rep)
	assert.Equal(t, StepFailed, statuses[StepSource])
	for _, name := range []StepName{StepValidate, StepDrift, StepPrune, StepCheckpoint, StepReport} {
		assert.Equal(t, StepSkipped, statuses[name], name)
	}

	failed := f.events(t, model.EventCycleFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "source", failed[0].Payload["step"])
	assert.Empty(t, f.events(t, model.EventCycleReport))

	cps, err := f.cps.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cps)
}

type fixedValidator struct{ rep validation.Report }

func (v fixedValidator) Run(context.Context) (validation.Report, error) { return v.rep, nil }

type fixedHealer struct {
	state healing.State
	calls int
}

func (h *fixedHealer) Heal(_ context.Context, failed model.ValidationRun) (healing.Outcome, error) {
	h.calls++
	return healing.Outcome{RunID: failed.ID, State: h.state}, nil
}

func TestRun_ValidationFailureHandsOffToHealing(t *testing.T) {
	f := newFixture(t)
	failed := model.ValidationRun{ID: "run-1", Level: "structural", Result: model.ValidationFail}
	healer := &fixedHealer{state: healing.StateEscalated}
	f.deps.Validator = fixedValidator{rep: validation.Report{Runs: []model.ValidationRun{failed}, Failed: &failed}}
	f.deps.Healer = healer
	o := New(f.deps, Options{Threshold: 0.2})

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, rep.Outcome)
	assert.Equal(t, 1, healer.calls)
	require.NotNil(t, rep.Healing)

	statuses := stepStatuses(rep)
	assert.Equal(t, StepOK, statuses[StepValidate])
	assert.Equal(t, StepSkipped, statuses[StepDrift])
	assert.Equal(t, StepSkipped, statuses[StepPrune])
	assert.Equal(t, StepSkipped, statuses[StepCheckpoint])
	assert.Equal(t, StepOK, statuses[StepReport])
	assert.Empty(t, rep.CheckpointID)

	reports := f.events(t, model.EventCycleReport)
	require.Len(t, reports, 1)
	assert.Equal(t, "escalated", reports[0].Payload["outcome"])
}

func TestRun_HealedCycleStops(t *testing.T) {
	f := newFixture(t)
	failed := model.ValidationRun{ID: "run-2", Level: "structural", Result: model.ValidationFail}
	f.deps.Validator = fixedValidator{rep: validation.Report{Runs: []model.ValidationRun{failed}, Failed: &failed}}
	f.deps.Healer = &fixedHealer{state: healing.StateResolved}
	o := New(f.deps, Options{Threshold: 0.2})

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeHealed, rep.Outcome)
	assert.Equal(t, StepSkipped, stepStatuses(rep)[StepCheckpoint])
}

type validatorFunc func(ctx context.Context) (validation.Report, error)

func (f validatorFunc) Run(ctx context.Context) (validation.Report, error) { return f(ctx) }

func TestRun_CancellationAtStepBoundary(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.deps.Validator = validatorFunc(func(stepCtx context.Context) (validation.Report, error) {
		cancel()
		// The running step is not interrupted.
		assert.NoError(t, stepCtx.Err())
		return validation.Report{}, nil
	})
	o := New(f.deps, Options{Threshold: 0.2})

	rep, err := o.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeCancelled, rep.Outcome)

	statuses := stepStatuses(rep)
	assert.Equal(t, StepOK, statuses[StepValidate])
	assert.Equal(t, StepSkipped, statuses[StepDrift])
	assert.Equal(t, StepSkipped, statuses[StepCheckpoint])
}

func TestRun_RederiveFailureFailsCycle(t *testing.T) {
	f := newFixture(t)
	f.put(t, "rec-a", "a")
	f.rederiver.err = errors.New("deriver offline")
	o := New(f.deps, Options{Threshold: 0.2})

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	f.repo.set("rev2", map[string][]source.Change{"rev1": {{Path: "a"}}})

	rep, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Equal(t, StepFailed, stepStatuses(rep)[StepDrift])
	assert.Equal(t, StepSkipped, stepStatuses(rep)[StepCheckpoint])

	// Stale marking survives the failed re-derive.
	a, _ := f.recs.Get("rec-a")
	assert.True(t, a.Stale)
}

func TestRun_CyclesAreSerialized(t *testing.T) {
	f := newFixture(t)
	var active, peak int32
	f.deps.Validator = validatorFunc(func(context.Context) (validation.Report, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return validation.Report{}, nil
	})
	o := New(f.deps, Options{Threshold: 0.2})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Run(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestRun_WaitingCycleHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	started := make(chan struct{})
	f.deps.Validator = validatorFunc(func(context.Context) (validation.Report, error) {
		close(started)
		<-release
		return validation.Report{}, nil
	})
	o := New(f.deps, Options{Threshold: 0.2})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Run(context.Background())
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rep, err := o.Run(ctx)
	assert.Nil(t, rep)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
}

type interruptibleHealer struct{ sawCancel bool }

func (h *interruptibleHealer) Heal(ctx context.Context, failed model.ValidationRun) (healing.Outcome, error) {
	if err := ctx.Err(); err != nil {
		h.sawCancel = true
		return healing.Outcome{RunID: failed.ID, State: healing.StateValidating}, err
	}
	return healing.Outcome{RunID: failed.ID, State: healing.StateResolved}, nil
}

func TestRun_HealingObservesCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	failed := model.ValidationRun{ID: "run-3", Level: "structural", Result: model.ValidationFail}
	f.deps.Validator = validatorFunc(func(context.Context) (validation.Report, error) {
		cancel()
		return validation.Report{Runs: []model.ValidationRun{failed}, Failed: &failed}, nil
	})
	healer := &interruptibleHealer{}
	f.deps.Healer = healer
	o := New(f.deps, Options{Threshold: 0.2})

	rep, err := o.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, healer.sawCancel)
	assert.Equal(t, OutcomeCancelled, rep.Outcome)
	assert.Equal(t, StepFailed, stepStatuses(rep)[StepValidate])
	assert.Empty(t, f.events(t, model.EventCycleFailed))
}

func TestExclusive_HoldsOffCycles(t *testing.T) {
	f := newFixture(t)
	o := New(f.deps, Options{Threshold: 0.2})

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- o.Exclusive(context.Background(), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
}

func TestExclusive_ReturnsFnError(t *testing.T) {
	o := New(newFixture(t).deps, Options{})
	boom := errors.New("boom")
	assert.ErrorIs(t, o.Exclusive(context.Background(), func(context.Context) error { return boom }), boom)
}
