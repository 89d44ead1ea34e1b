// Package sqlgen builds dialect-specific DML statements from row-change
// records. Statement text and bind arguments are generated through goqu in
// one pass so placeholder order, identifier quoting and NULL rendering
// always agree with the target dialect.
package sqlgen

import (
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/sluicedb/sluice/record"

	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
)

// BuildError marks a statement-shaping failure. Build errors are programming
// or configuration faults, never transient storage conditions, so the retry
// controller must not retry them.
type BuildError struct {
	Op    record.ChangeType
	Table string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s statement for %s: %v", e.Op, e.Table, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Options configures a Builder.
type Options struct {
	// Dialect is a registered goqu dialect name ("mysql", "sqlite3").
	Dialect string
	// Schema optionally qualifies table names.
	Schema string
	// ShardingColumns lists, per table, the non-key columns that take part
	// in UPDATE/DELETE predicates for routed targets.
	ShardingColumns map[string][]string
	// NullKeyFallback binds a sharding/identity condition column with its
	// new value when no old value was captured. Some dialects omit old
	// values for identity columns; without the fallback the predicate binds
	// NULL and matches nothing.
	NullKeyFallback bool
}

// Builder generates INSERT/UPDATE/DELETE statements for one target dialect.
// Builders are safe for concurrent use by multiple importer workers.
type Builder struct {
	dialect  goqu.DialectWrapper
	schema   string
	sharding map[string]map[string]struct{}
	fallback bool
}

// NewBuilder creates a Builder for the given dialect.
func NewBuilder(opts Options) (*Builder, error) {
	if opts.Dialect == "" {
		return nil, fmt.Errorf("sqlgen: dialect is required")
	}
	sharding := make(map[string]map[string]struct{}, len(opts.ShardingColumns))
	for table, cols := range opts.ShardingColumns {
		set := make(map[string]struct{}, len(cols))
		for _, c := range cols {
			set[c] = struct{}{}
		}
		sharding[table] = set
	}
	return &Builder{
		dialect:  goqu.Dialect(opts.Dialect),
		schema:   opts.Schema,
		sharding: sharding,
		fallback: opts.NullKeyFallback,
	}, nil
}

func (b *Builder) table(name string) exp.IdentifierExpression {
	if b.schema != "" {
		return goqu.S(b.schema).Table(name)
	}
	return goqu.T(name)
}

func (b *Builder) shardingColumns(table string) map[string]struct{} {
	return b.sharding[table]
}

// ConditionColumns exposes the predicate columns the builder will use for a
// record, unique keys plus configured sharding columns.
func (b *Builder) ConditionColumns(rec *record.DataRecord) []record.Column {
	return rec.ConditionColumns(b.shardingColumns(rec.Table))
}

// conditionValue resolves the bound value for one predicate column,
// applying the null-old-value fallback for sharding/identity columns.
func (b *Builder) conditionValue(table string, col record.Column) interface{} {
	if col.OldValue != nil {
		return col.OldValue
	}
	if !b.fallback {
		return col.OldValue
	}
	if _, ok := b.shardingColumns(table)[col.Name]; ok || col.UniqueKey {
		return col.Value
	}
	return col.OldValue
}

// BuildInsert builds a single-row INSERT with one placeholder per column.
func (b *Builder) BuildInsert(rec *record.DataRecord) (string, []interface{}, error) {
	cols := make([]interface{}, len(rec.Columns))
	vals := make([]interface{}, len(rec.Columns))
	for i, c := range rec.Columns {
		cols[i] = c.Name
		vals[i] = c.Value
	}
	sql, args, err := b.dialect.Insert(b.table(rec.Table)).Prepared(true).Cols(cols...).Vals(vals).ToSQL()
	if err != nil {
		return "", nil, &BuildError{Op: record.Insert, Table: rec.Table, Err: err}
	}
	return sql, args, nil
}

// BuildBatchInsert builds one multi-row INSERT for records sharing a shape.
func (b *Builder) BuildBatchInsert(recs []*record.DataRecord) (string, []interface{}, error) {
	if len(recs) == 0 {
		return "", nil, &BuildError{Op: record.Insert, Err: fmt.Errorf("empty bucket")}
	}
	first := recs[0]
	cols := make([]interface{}, len(first.Columns))
	for i, c := range first.Columns {
		cols[i] = c.Name
	}
	ds := b.dialect.Insert(b.table(first.Table)).Prepared(true).Cols(cols...)
	for _, rec := range recs {
		if len(rec.Columns) != len(first.Columns) {
			return "", nil, &BuildError{Op: record.Insert, Table: first.Table,
				Err: fmt.Errorf("column count mismatch in batch: %d vs %d", len(rec.Columns), len(first.Columns))}
		}
		row := make([]interface{}, len(rec.Columns))
		for i, c := range rec.Columns {
			row[i] = c.Value
		}
		ds = ds.Vals(row)
	}
	sql, args, err := ds.ToSQL()
	if err != nil {
		return "", nil, &BuildError{Op: record.Insert, Table: first.Table, Err: err}
	}
	return sql, args, nil
}

// BuildUpdate builds one UPDATE for a record: SET from its updated columns,
// WHERE from its condition columns bound to old values (with the configured
// fallback). SQL and args come from the same goqu build, so binding order is
// consistent by construction.
func (b *Builder) BuildUpdate(rec *record.DataRecord) (string, []interface{}, error) {
	updated := rec.UpdatedColumns()
	if len(updated) == 0 {
		return "", nil, &BuildError{Op: record.Update, Table: rec.Table, Err: fmt.Errorf("no updated columns")}
	}
	set := make(goqu.Record, len(updated))
	for _, c := range updated {
		set[c.Name] = c.Value
	}
	where, err := b.conditionExpr(rec)
	if err != nil {
		return "", nil, err
	}
	sql, args, err := b.dialect.Update(b.table(rec.Table)).Prepared(true).Set(set).Where(where).ToSQL()
	if err != nil {
		return "", nil, &BuildError{Op: record.Update, Table: rec.Table, Err: err}
	}
	return sql, args, nil
}

// BuildDelete builds a single-row DELETE keyed on the record's condition
// columns.
func (b *Builder) BuildDelete(rec *record.DataRecord) (string, []interface{}, error) {
	where, err := b.conditionExpr(rec)
	if err != nil {
		return "", nil, err
	}
	sql, args, err := b.dialect.Delete(b.table(rec.Table)).Prepared(true).Where(where).ToSQL()
	if err != nil {
		return "", nil, &BuildError{Op: record.Delete, Table: rec.Table, Err: err}
	}
	return sql, args, nil
}

// BuildBatchDelete builds one DELETE covering every record in the bucket,
// OR-ing the per-record key predicates.
func (b *Builder) BuildBatchDelete(recs []*record.DataRecord) (string, []interface{}, error) {
	if len(recs) == 0 {
		return "", nil, &BuildError{Op: record.Delete, Err: fmt.Errorf("empty bucket")}
	}
	preds := make([]exp.Expression, 0, len(recs))
	for _, rec := range recs {
		p, err := b.conditionExpr(rec)
		if err != nil {
			return "", nil, err
		}
		preds = append(preds, p)
	}
	sql, args, err := b.dialect.Delete(b.table(recs[0].Table)).Prepared(true).Where(goqu.Or(preds...)).ToSQL()
	if err != nil {
		return "", nil, &BuildError{Op: record.Delete, Table: recs[0].Table, Err: err}
	}
	return sql, args, nil
}

func (b *Builder) conditionExpr(rec *record.DataRecord) (exp.Expression, error) {
	cols := b.ConditionColumns(rec)
	if len(cols) == 0 {
		return nil, &BuildError{Op: rec.Type, Table: rec.Table, Err: fmt.Errorf("no condition columns")}
	}
	preds := make([]exp.Expression, len(cols))
	for i, c := range cols {
		preds[i] = goqu.C(c.Name).Eq(b.conditionValue(rec.Table, c))
	}
	return goqu.And(preds...), nil
}
