package db

import (
	"context"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertSpec describes a keyed batch write.
type UpsertSpec struct {
	Table   string   // may be schema-qualified
	Columns []string // order of each row's values
	Keys    []string // unique constraint columns
	Update  []string // rewritten on conflict; nil means every non-key column
}

func (s UpsertSpec) validate() error {
	if len(s.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(s.Keys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func (s UpsertSpec) updateColumns() []string {
	if s.Update != nil {
		return s.Update
	}
	var out []string
	for _, c := range s.Columns {
		if !slices.Contains(s.Keys, c) {
			out = append(out, c)
		}
	}
	return out
}

func (s UpsertSpec) stagingTable() pgx.Identifier {
	return pgx.Identifier{"_upsert_" + strings.ReplaceAll(s.Table, ".", "_")}
}

func (s UpsertSpec) mergeSQL() string {
	cols := quoted(s.Columns)
	set := make([]string, 0, len(s.Columns))
	for _, c := range s.updateColumns() {
		q := pgx.Identifier{c}.Sanitize()
		set = append(set, q+" = EXCLUDED."+q)
	}
	return "INSERT INTO " + identifier(s.Table).Sanitize() + " (" + cols + ")" +
		" SELECT " + cols + " FROM " + s.stagingTable().Sanitize() +
		" ON CONFLICT (" + quoted(s.Keys) + ") DO UPDATE SET " + strings.Join(set, ", ")
}

// UpsertRows COPYs rows into a transaction-scoped staging table, then merges
// them into the target with one INSERT ... ON CONFLICT. Either every row
// lands or none do.
func UpsertRows(ctx context.Context, pool Pool, spec UpsertSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := spec.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	staging := spec.stagingTable()
	if _, err := tx.Exec(ctx, "CREATE TEMP TABLE "+staging.Sanitize()+
		" (LIKE "+identifier(spec.Table).Sanitize()+" INCLUDING DEFAULTS) ON COMMIT DROP"); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", spec.Table)
	}
	if _, err := tx.CopyFrom(ctx, staging, spec.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy %d rows for %s", len(rows), spec.Table)
	}
	tag, err := tx.Exec(ctx, spec.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", spec.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func quoted(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}
