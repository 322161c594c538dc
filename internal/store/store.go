// Package store persists derived records, pruning backups and audit events.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ctxsync/internal/model"
)

// ErrCorruptRow is returned when a persisted row cannot be decoded.
var ErrCorruptRow = eris.New("store: corrupt row")

// Store defines the persistence interface behind the record arena.
type Store interface {
	// Records
	LoadRecords(ctx context.Context) ([]model.DerivedRecord, error)
	// ApplyRecords upserts and deletes in one transaction.
	ApplyRecords(ctx context.Context, upserts []model.DerivedRecord, deletes []string) error

	// Pruning backups
	WriteBackup(ctx context.Context, backup model.PruneBackup) error
	// FindBackedUpRecord returns the most recent backup of a record, or nil when none exists.
	FindBackedUpRecord(ctx context.Context, id string) (*model.DerivedRecord, error)

	// Events
	AppendEvent(ctx context.Context, e model.Event) error
	QueryEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// Open returns the Store selected by driver.
func Open(ctx context.Context, driver, dsn string, pool *PoolConfig) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

const defaultEventLimit = 500

func eventLimit(f model.EventFilter) int {
	if f.Limit <= 0 {
		return defaultEventLimit
	}
	return f.Limit
}
