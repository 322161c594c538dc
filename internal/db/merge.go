package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Merge describes a staged bulk upsert: rows are COPYed into a
// transaction-scoped staging table and merged into Table on Key.
type Merge struct {
	Table   string
	Columns []string
	Key     []string
	// Preserve lists columns that keep their stored value when a row
	// already exists, such as creation timestamps.
	Preserve []string
}

func (m Merge) check() error {
	if len(m.Columns) == 0 {
		return eris.New("db: merge: no columns specified")
	}
	if len(m.Key) == 0 {
		return eris.New("db: merge: no conflict keys specified")
	}
	for _, k := range m.Key {
		if !slices.Contains(m.Columns, k) {
			return eris.Errorf("db: merge: key %q is not a column", k)
		}
	}
	return nil
}

func (m Merge) stagingTable() string {
	return "_stage_" + strings.ReplaceAll(m.Table, ".", "_")
}

// updated returns the columns overwritten on conflict.
func (m Merge) updated() []string {
	var cols []string
	for _, c := range m.Columns {
		if slices.Contains(m.Key, c) || slices.Contains(m.Preserve, c) {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

func (m Merge) stageSQL() string {
	return fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{m.stagingTable()}.Sanitize(), sanitizeTable(m.Table))
}

func (m Merge) mergeSQL() string {
	cols := quoteAndJoin(m.Columns)
	action := "DO NOTHING"
	if upd := m.updated(); len(upd) > 0 {
		sets := make([]string, len(upd))
		for i, c := range upd {
			q := pgx.Identifier{c}.Sanitize()
			sets[i] = q + " = EXCLUDED." + q
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(m.Table), cols, cols,
		pgx.Identifier{m.stagingTable()}.Sanitize(), quoteAndJoin(m.Key), action)
}

// Apply runs the merge inside tx and returns the number of rows written.
// The caller owns commit and rollback.
func (m Merge) Apply(ctx context.Context, tx pgx.Tx, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := m.check(); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, m.stageSQL()); err != nil {
		return 0, eris.Wrapf(err, "db: merge: stage %s", m.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{m.stagingTable()}, m.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: merge: copy into staging for %s", m.Table)
	}
	tag, err := tx.Exec(ctx, m.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge: insert on conflict for %s", m.Table)
	}
	return tag.RowsAffected(), nil
}

// sanitizeTable handles schema-qualified names like "ctxsync.derived_records".
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
