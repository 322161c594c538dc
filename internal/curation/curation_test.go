package curation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/records"
	"github.com/sells-group/ctxsync/internal/source"
	"github.com/sells-group/ctxsync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *records.Store, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "curation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	recs, err := records.Open(context.Background(), st)
	require.NoError(t, err)
	svc := New(recs, eventlog.New(st))
	svc.nowFunc = func() time.Time { return t0.Add(time.Hour) }
	return svc, recs, st
}

func TestPromote(t *testing.T) {
	svc, recs, st := newService(t)
	ctx := context.Background()
	require.NoError(t, recs.Put(ctx, model.DerivedRecord{ID: "dbg", Tier: model.TierDebug, CreatedAt: t0}))

	got, err := svc.Promote(ctx, "dbg", model.TierCritical)
	require.NoError(t, err)
	assert.Equal(t, model.TierCritical, got.Tier)
	assert.Equal(t, model.OriginCurated, got.Origin)

	stored, _ := recs.Get("dbg")
	assert.Equal(t, model.TierCritical, stored.Tier)

	events, err := st.QueryEvents(ctx, model.EventFilter{EntityID: "dbg", Kind: model.EventRecordPromoted})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "debug", events[0].Payload["from"])
}

func TestPromote_RejectsNonCuratableTier(t *testing.T) {
	svc, recs, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, recs.Put(ctx, model.DerivedRecord{ID: "n", Tier: model.TierNormal, CreatedAt: t0}))

	_, err := svc.Promote(ctx, "n", model.TierDebug)
	assert.ErrorIs(t, err, ErrInvalidTier)
	_, err = svc.Promote(ctx, "missing", model.TierNormal)
	assert.ErrorIs(t, err, records.ErrRecordNotFound)
}

func TestDelete(t *testing.T) {
	svc, recs, st := newService(t)
	ctx := context.Background()
	require.NoError(t, recs.Put(ctx, model.DerivedRecord{ID: "crit", Tier: model.TierCritical, CreatedAt: t0}))

	err := svc.Delete(ctx, "crit", false)
	assert.ErrorIs(t, err, records.ErrProtectedRecord)
	_, ok := recs.Get("crit")
	assert.True(t, ok)

	require.NoError(t, svc.Delete(ctx, "crit", true))
	_, ok = recs.Get("crit")
	assert.False(t, ok)

	events, err := st.QueryEvents(ctx, model.EventFilter{Kind: model.EventRecordDeleted})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload["force"])
	assert.Equal(t, "critical", events[0].Payload["tier"])
}

func TestTouch(t *testing.T) {
	svc, recs, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, recs.Put(ctx, model.DerivedRecord{ID: "n", Tier: model.TierNormal, CreatedAt: t0}))

	got, err := svc.Touch(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
	assert.True(t, got.LastAccessedAt.Equal(t0.Add(time.Hour)))

	_, err = svc.Touch(ctx, "missing")
	assert.ErrorIs(t, err, records.ErrRecordNotFound)
}

func TestCurate(t *testing.T) {
	svc, recs, _ := newService(t)
	ctx := context.Background()

	got, err := svc.Curate(ctx, model.DerivedRecord{ID: "note", Payload: []byte(`{"text":"hand written"}`), SourcePaths: []string{"b", "a", "a"}})
	require.NoError(t, err)
	assert.Equal(t, model.TierNormal, got.Tier)
	assert.Equal(t, model.OriginCurated, got.Origin)
	assert.Equal(t, []string{"a", "b"}, got.SourcePaths)
	assert.True(t, got.CreatedAt.Equal(t0.Add(time.Hour)))

	_, ok := recs.Get("note")
	assert.True(t, ok)

	_, err = svc.Curate(ctx, model.DerivedRecord{ID: "ref", Tier: model.TierCheckpointRef})
	assert.ErrorIs(t, err, ErrInvalidTier)
}

type fakeSource map[string]bool

func (f fakeSource) Read(_ context.Context, path string) ([]byte, error) {
	if !f[path] {
		return nil, eris.Wrapf(source.ErrPathNotFound, "%s", path)
	}
	return []byte("content"), nil
}

func TestDerive(t *testing.T) {
	svc, recs, st := newService(t)
	ctx := context.Background()
	require.NoError(t, recs.Put(ctx, model.DerivedRecord{ID: "sum", Tier: model.TierDebug, CreatedAt: t0, AccessCount: 2, SourcePaths: []string{"a.go"}}))
	_, err := recs.MarkStale(ctx, []string{"sum"}, true)
	require.NoError(t, err)

	got, err := svc.Derive(ctx, model.DerivedRecord{ID: "sum", Tier: model.TierDebug, Payload: []byte(`{"v":2}`), SourcePaths: []string{"b.go", "a.go"}})
	require.NoError(t, err)
	assert.False(t, got.Stale)
	assert.Equal(t, model.OriginDerived, got.Origin)
	assert.Equal(t, model.TierDebug, got.Tier)
	assert.Equal(t, []string{"a.go", "b.go"}, got.SourcePaths)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Equal(t, int64(2), got.AccessCount)
	assert.JSONEq(t, `{"v":2}`, string(got.Payload))

	fresh, err := svc.Derive(ctx, model.DerivedRecord{ID: "new"})
	require.NoError(t, err)
	assert.Equal(t, model.TierNormal, fresh.Tier)
	assert.True(t, fresh.CreatedAt.Equal(t0.Add(time.Hour)))

	events, err := st.QueryEvents(ctx, model.EventFilter{Kind: model.EventRecordDerived})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestDerive_KeepsCuratedTier(t *testing.T) {
	svc, recs, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, recs.Put(ctx, model.DerivedRecord{ID: "pinned", Tier: model.TierCritical, Origin: model.OriginCurated, CreatedAt: t0}))

	got, err := svc.Derive(ctx, model.DerivedRecord{ID: "pinned", Tier: model.TierDebug, Payload: []byte(`"x"`)})
	require.NoError(t, err)
	assert.Equal(t, model.TierCritical, got.Tier)
	assert.Equal(t, model.OriginCurated, got.Origin)
	assert.Equal(t, `"x"`, string(got.Payload))
}

func TestDerive_Rejects(t *testing.T) {
	svc, recs, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Derive(ctx, model.DerivedRecord{ID: "ref", Tier: model.TierCheckpointRef})
	assert.ErrorIs(t, err, ErrReservedTier)

	_, err = svc.Derive(ctx, model.DerivedRecord{ID: "bad", Tier: "bogus"})
	assert.Error(t, err)

	checked := New(recs, nil, WithSource(fakeSource{"a.go": true}))
	_, err = checked.Derive(ctx, model.DerivedRecord{ID: "ok", SourcePaths: []string{"a.go"}})
	require.NoError(t, err)
	_, err = checked.Derive(ctx, model.DerivedRecord{ID: "orphan", SourcePaths: []string{"a.go", "gone.go"}})
	assert.ErrorIs(t, err, ErrUnknownSourcePath)
	_, ok := recs.Get("orphan")
	assert.False(t, ok)
}
