package eventlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestLog(t *testing.T) *Log {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st)
}

func TestEmitAndQuery(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	l.nowFunc = func() time.Time { return clock }

	_, err := l.Emit(ctx, model.EventRecordPromoted, "rec-1", map[string]any{"tier": "critical"})
	require.NoError(t, err)
	clock = base.Add(time.Hour)
	_, err = l.Emit(ctx, model.EventPrunePass, "", nil)
	require.NoError(t, err)
	clock = base.Add(2 * time.Hour)
	_, err = l.Emit(ctx, model.EventRecordDeleted, "rec-1", nil)
	require.NoError(t, err)

	byEntity, err := l.Query(ctx, model.EventFilter{EntityID: "rec-1"})
	require.NoError(t, err)
	require.Len(t, byEntity, 2)
	assert.Equal(t, model.EventRecordPromoted, byEntity[0].Kind)
	assert.Equal(t, "critical", byEntity[0].Payload["tier"])

	ranged, err := l.Query(ctx, model.EventFilter{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, model.EventPrunePass, ranged[0].Kind)
}

func TestEmitSurvivesCancelledContext(t *testing.T) {
	l := newTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := l.Emit(ctx, model.EventHealingEscalated, "run-1", map[string]any{"class": "unclassified"})
	require.NoError(t, err)

	got, err := l.Query(context.Background(), model.EventFilter{Kind: model.EventHealingEscalated})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
}

func TestQueryRejectsInvertedRange(t *testing.T) {
	l := newTestLog(t)
	now := time.Now()
	_, err := l.Query(context.Background(), model.EventFilter{From: now, To: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

type failingSink struct{}

func (failingSink) AppendEvent(context.Context, model.Event) error { return errors.New("disk full") }
func (failingSink) QueryEvents(context.Context, model.EventFilter) ([]model.Event, error) {
	return nil, errors.New("disk full")
}

func TestEmitError(t *testing.T) {
	l := New(failingSink{})
	_, err := l.Emit(context.Background(), model.EventCycleFailed, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eventlog: emit cycle.failed")
}
