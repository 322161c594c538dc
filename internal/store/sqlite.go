package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ctxsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
// Timestamps are stored as UTC unix nanoseconds so range queries compare numerically.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create dir %s", dir)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the single writer and in-memory databases consistent.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS derived_records (
	id               TEXT PRIMARY KEY,
	payload          BLOB,
	tier             TEXT NOT NULL,
	origin           TEXT NOT NULL DEFAULT 'derived',
	chain            TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	access_count     INTEGER NOT NULL DEFAULT 0,
	source_paths     TEXT NOT NULL DEFAULT '[]',
	stale            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS prune_backups (
	pass_id    TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	record     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (pass_id, record_id)
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	entity_id   TEXT NOT NULL DEFAULT '',
	occurred_at INTEGER NOT NULL,
	payload     TEXT
);

CREATE INDEX IF NOT EXISTS idx_derived_records_tier ON derived_records(tier);
CREATE INDEX IF NOT EXISTS idx_prune_backups_record ON prune_backups(record_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id, occurred_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadRecords(ctx context.Context) ([]model.DerivedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, tier, origin, chain, created_at, last_accessed_at, access_count, source_paths, stale
		 FROM derived_records ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load records")
	}
	defer rows.Close()

	var out []model.DerivedRecord
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load records iterate")
}

func (s *SQLiteStore) ApplyRecords(ctx context.Context, upserts []model.DerivedRecord, deletes []string) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin apply")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range upserts {
		paths, err := json.Marshal(pathsOrEmpty(r.SourcePaths))
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal source paths for %s", r.ID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO derived_records (id, payload, tier, origin, chain, created_at, last_accessed_at, access_count, source_paths, stale)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				payload = excluded.payload,
				tier = excluded.tier,
				origin = excluded.origin,
				chain = excluded.chain,
				last_accessed_at = excluded.last_accessed_at,
				access_count = excluded.access_count,
				source_paths = excluded.source_paths,
				stale = excluded.stale`,
			r.ID, r.Payload, string(r.Tier), string(r.Origin), r.Chain,
			r.CreatedAt.UnixNano(), r.LastAccessedAt.UnixNano(), r.AccessCount,
			string(paths), r.Stale,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert record %s", r.ID)
		}
	}

	for _, id := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM derived_records WHERE id = ?`, id); err != nil {
			return eris.Wrapf(err, "sqlite: delete record %s", id)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit apply")
}

func (s *SQLiteStore) WriteBackup(ctx context.Context, backup model.PruneBackup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin backup")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range backup.Records {
		data, err := json.Marshal(r)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal backup record %s", r.ID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO prune_backups (pass_id, record_id, record, created_at) VALUES (?, ?, ?, ?)`,
			backup.PassID, r.ID, string(data), backup.CreatedAt.UnixNano(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert backup %s/%s", backup.PassID, r.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit backup")
}

func (s *SQLiteStore) FindBackedUpRecord(ctx context.Context, id string) (*model.DerivedRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM prune_backups WHERE record_id = ? ORDER BY created_at DESC LIMIT 1`,
		id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find backup %s", id)
	}

	var r model.DerivedRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, eris.Wrapf(ErrCorruptRow, "sqlite: backup %s: %v", id, err)
	}
	return &r, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e model.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, entity_id, occurred_at, payload) VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.EntityID, e.OccurredAt.UnixNano(), string(payload),
	)
	return eris.Wrapf(err, "sqlite: insert event %s", e.Kind)
}

func (s *SQLiteStore) QueryEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error) {
	query := `SELECT id, kind, entity_id, occurred_at, payload FROM events WHERE 1=1`
	var args []any

	if !filter.From.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		query += ` AND occurred_at < ?`
		args = append(args, filter.To.UnixNano())
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY occurred_at, id LIMIT ?`
	args = append(args, eventLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query events")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			e       model.Event
			nanos   int64
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityID, &nanos, &payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		e.OccurredAt = time.Unix(0, nanos).UTC()
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal event %s", e.ID)
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query events iterate")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scannable) (model.DerivedRecord, error) {
	var (
		r                 model.DerivedRecord
		created, accessed int64
		paths             string
	)
	err := row.Scan(&r.ID, &r.Payload, &r.Tier, &r.Origin, &r.Chain,
		&created, &accessed, &r.AccessCount, &paths, &r.Stale)
	if err != nil {
		return r, eris.Wrap(err, "sqlite: scan record")
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.LastAccessedAt = time.Unix(0, accessed).UTC()
	if err := json.Unmarshal([]byte(paths), &r.SourcePaths); err != nil {
		return r, eris.Wrapf(ErrCorruptRow, "sqlite: source paths for %s: %v", r.ID, err)
	}
	if len(r.SourcePaths) == 0 {
		r.SourcePaths = nil
	}
	return r, nil
}

func pathsOrEmpty(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}
