// Package eventlog records the structured audit trail of every engine decision.
package eventlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/model"
)

// Sink persists events. store.Store satisfies it.
type Sink interface {
	AppendEvent(ctx context.Context, e model.Event) error
	QueryEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error)
}

// Log emits and queries audit events.
type Log struct {
	sink    Sink
	nowFunc func() time.Time
	log     *zap.Logger
}

// New creates a Log writing to sink.
func New(sink Sink) *Log {
	return &Log{
		sink:    sink,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "eventlog")),
	}
}

// Emit appends one event. Emission is not cancelled with ctx so that terminal
// events (failed cycles, escalations) are always written.
func (l *Log) Emit(ctx context.Context, kind model.EventKind, entityID string, payload map[string]any) (model.Event, error) {
	e := model.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		EntityID:   entityID,
		OccurredAt: l.nowFunc().UTC(),
		Payload:    payload,
	}
	if err := l.sink.AppendEvent(context.WithoutCancel(ctx), e); err != nil {
		l.log.Error("eventlog: append failed", zap.String("kind", string(kind)), zap.Error(err))
		return e, eris.Wrapf(err, "eventlog: emit %s", kind)
	}
	l.log.Info("event",
		zap.String("kind", string(kind)),
		zap.String("entity_id", entityID),
		zap.String("event_id", e.ID),
	)
	return e, nil
}

// ErrInvalidRange is returned for a query whose end precedes its start.
var ErrInvalidRange = eris.New("eventlog: invalid time range")

// Query returns events matching filter, oldest first.
func (l *Log) Query(ctx context.Context, filter model.EventFilter) ([]model.Event, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, eris.Wrapf(ErrInvalidRange, "end %s before start %s",
			filter.To.Format(time.RFC3339), filter.From.Format(time.RFC3339))
	}
	events, err := l.sink.QueryEvents(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "eventlog: query")
	}
	return events, nil
}
