package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ctxsync/internal/db"
	"github.com/sells-group/ctxsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var recordColumns = []string{
	"id", "payload", "tier", "origin", "chain",
	"created_at", "last_accessed_at", "access_count", "source_paths", "stale",
}

var recordMerge = db.Merge{
	Table:    "derived_records",
	Columns:  recordColumns,
	Key:      []string{"id"},
	Preserve: []string{"created_at"},
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS derived_records (
	id               TEXT PRIMARY KEY,
	payload          BYTEA,
	tier             TEXT NOT NULL,
	origin           TEXT NOT NULL DEFAULT 'derived',
	chain            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ NOT NULL,
	access_count     BIGINT NOT NULL DEFAULT 0,
	source_paths     TEXT[] NOT NULL DEFAULT '{}',
	stale            BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS prune_backups (
	pass_id    TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	record     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pass_id, record_id)
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	entity_id   TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	payload     JSONB
);

CREATE INDEX IF NOT EXISTS idx_derived_records_tier ON derived_records(tier);
CREATE INDEX IF NOT EXISTS idx_prune_backups_record ON prune_backups(record_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id, occurred_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) LoadRecords(ctx context.Context) ([]model.DerivedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, payload, tier, origin, chain, created_at, last_accessed_at, access_count, source_paths, stale
		 FROM derived_records ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load records")
	}
	defer rows.Close()

	var out []model.DerivedRecord
	for rows.Next() {
		var r model.DerivedRecord
		var tier, origin string
		if err := rows.Scan(&r.ID, &r.Payload, &tier, &origin, &r.Chain,
			&r.CreatedAt, &r.LastAccessedAt, &r.AccessCount, &r.SourcePaths, &r.Stale); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		r.Tier = model.Tier(tier)
		r.Origin = model.Origin(origin)
		if len(r.SourcePaths) == 0 {
			r.SourcePaths = nil
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load records iterate")
}

func (s *PostgresStore) ApplyRecords(ctx context.Context, upserts []model.DerivedRecord, deletes []string) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin apply")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if len(upserts) > 0 {
		rows := make([][]any, len(upserts))
		for i, r := range upserts {
			rows[i] = []any{
				r.ID, r.Payload, string(r.Tier), string(r.Origin), r.Chain,
				r.CreatedAt.UTC(), r.LastAccessedAt.UTC(), r.AccessCount,
				pathsOrEmpty(r.SourcePaths), r.Stale,
			}
		}
		if _, err := recordMerge.Apply(ctx, tx, rows); err != nil {
			return eris.Wrap(err, "postgres: upsert records")
		}
	}

	if len(deletes) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM derived_records WHERE id = ANY($1)`, deletes); err != nil {
			return eris.Wrap(err, "postgres: delete records")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit apply")
}

func (s *PostgresStore) WriteBackup(ctx context.Context, backup model.PruneBackup) error {
	rows := make([][]any, 0, len(backup.Records))
	for _, r := range backup.Records {
		data, err := json.Marshal(r)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal backup record %s", r.ID)
		}
		rows = append(rows, []any{backup.PassID, r.ID, data, backup.CreatedAt.UTC()})
	}

	_, err := db.CopyFrom(ctx, s.pool, "prune_backups",
		[]string{"pass_id", "record_id", "record", "created_at"}, rows)
	return eris.Wrapf(err, "postgres: write backup %s", backup.PassID)
}

func (s *PostgresStore) FindBackedUpRecord(ctx context.Context, id string) (*model.DerivedRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM prune_backups WHERE record_id = $1 ORDER BY created_at DESC LIMIT 1`,
		id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find backup %s", id)
	}

	var r model.DerivedRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrapf(ErrCorruptRow, "postgres: backup %s: %v", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e model.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal event payload")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, kind, entity_id, occurred_at, payload) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, string(e.Kind), e.EntityID, e.OccurredAt.UTC(), payload,
	)
	return eris.Wrapf(err, "postgres: insert event %s", e.Kind)
}

func (s *PostgresStore) QueryEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error) {
	query := `SELECT id, kind, entity_id, occurred_at, payload FROM events WHERE 1=1`
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.From.IsZero() {
		query += ` AND occurred_at >= ` + next(filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += ` AND occurred_at < ` + next(filter.To.UTC())
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ` + next(filter.EntityID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ` + next(string(filter.Kind))
	}
	query += ` ORDER BY occurred_at, id LIMIT ` + next(eventLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query events")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var kind string
		var payload []byte
		if err := rows.Scan(&e.ID, &kind, &e.EntityID, &e.OccurredAt, &payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		e.Kind = model.EventKind(kind)
		if len(payload) > 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal event %s", e.ID)
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query events iterate")
}
