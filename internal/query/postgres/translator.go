// Package postgres implements the query.Translator contract on PostgreSQL.
//
// The relational backend has none of the partitioned store's access-path
// constraints: every predicate is expressible in a WHERE clause, so index
// selection is left to the database planner. Pagination is offset-based
// behind the same opaque cursor contract, and optimistic concurrency rides
// on the affected-row count of conditional UPDATE/DELETE statements.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mkarev/credvault/internal/logger"
	"github.com/mkarev/credvault/internal/query"
)

// pageSize is the per-page row budget of the select loop when the caller
// does not bound the result.
const pageSize = 100

// cursorOffset is the single field of the opaque relational cursor.
const cursorOffset = "offset"

// Translator is the PostgreSQL-backed query translator.
type Translator struct {
	db     *sql.DB
	sb     sq.StatementBuilderType
	logger *logger.Logger

	mu       sync.RWMutex
	catalogs map[string]*query.Catalog
}

// New constructs a Translator over an open database handle.
func New(db *sql.DB, log *logger.Logger) *Translator {
	log.Debug().Msg("creating postgres translator")
	return &Translator{
		db:       db,
		sb:       sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger:   log,
		catalogs: make(map[string]*query.Catalog),
	}
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Catalog returns the cached catalog for a table.
func (t *Translator) Catalog(table string) (*query.Catalog, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cat, ok := t.catalogs[table]
	return cat, ok
}

func (t *Translator) catalogOrIntrospect(ctx context.Context, table string) (*query.Catalog, error) {
	if cat, ok := t.Catalog(table); ok {
		return cat, nil
	}
	if err := t.Introspect(ctx, []string{table}); err != nil {
		return nil, err
	}
	if cat, ok := t.Catalog(table); ok {
		return cat, nil
	}
	return nil, fmt.Errorf("%w: %s", query.ErrNoCatalog, table)
}

// Get reads a single record by its primary key.
func (t *Translator) Get(ctx context.Context, table string, key map[string]any, opts query.Options) (map[string]any, error) {
	qb := t.sb.Select("*").From(table).Where(sq.Eq(key)).Limit(1)
	if len(opts.Columns) > 0 {
		qb = t.sb.Select(opts.Columns...).From(table).Where(sq.Eq(key)).Limit(1)
	}

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	rows, err := t.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, query.ErrNotFound
	}
	return out[0], nil
}

// Select runs a predicate query with offset-based pagination behind the
// opaque cursor contract. The loop pages until the cursor is exhausted
// (a short page) or opts.Limit rows have been accumulated.
func (t *Translator) Select(ctx context.Context, table string, predicate map[string]any, opts query.Options) (*query.Result, error) {
	if opts.Total {
		return t.selectTotal(ctx, table, predicate, opts)
	}

	result := &query.Result{}
	offset := cursorToOffset(opts.Cursor)
	remaining := opts.Limit

	for {
		limit := pageSize
		if opts.Limit > 0 && remaining < limit {
			limit = remaining
		}

		rows, err := t.selectPage(ctx, table, predicate, opts, offset, limit)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, rows...)
		offset += len(rows)

		if opts.Limit > 0 {
			remaining -= len(rows)
			if remaining <= 0 {
				if len(rows) == limit {
					result.Cursor = offsetToCursor(offset)
				}
				break
			}
		}
		if len(rows) < limit {
			break
		}
	}
	return result, nil
}

func (t *Translator) selectTotal(ctx context.Context, table string, predicate map[string]any, opts query.Options) (*query.Result, error) {
	qb := t.sb.Select("COUNT(*)").From(table)
	qb = applyPredicate(qb, predicate, opts)

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building count: %w", err)
	}

	var total int
	if err := t.db.QueryRowContext(ctx, sqlStr, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}
	return &query.Result{Total: total}, nil
}

func (t *Translator) selectPage(ctx context.Context, table string, predicate map[string]any, opts query.Options, offset, limit int) ([]map[string]any, error) {
	cols := []string{"*"}
	if len(opts.Columns) > 0 {
		cols = opts.Columns
	}

	qb := t.sb.Select(cols...).From(table)
	qb = applyPredicate(qb, predicate, opts)

	if opts.SortColumn != "" {
		dir := "ASC"
		if opts.Descending {
			dir = "DESC"
		}
		qb = qb.OrderBy(opts.SortColumn + " " + dir)
	}
	qb = qb.Limit(uint64(limit)).Offset(uint64(offset))

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	rows, err := t.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// applyPredicate translates the per-column comparison operators into
// squirrel clauses in sorted column order, so the statement text is
// deterministic. squirrel generates IN ($1,$2,...) for a slice under sq.Eq,
// which covers CmpIn.
func applyPredicate(qb sq.SelectBuilder, predicate map[string]any, opts query.Options) sq.SelectBuilder {
	cols := make([]string, 0, len(predicate))
	for col := range predicate {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		v := predicate[col]
		switch opts.Comparisons[col] {
		case query.CmpNe:
			qb = qb.Where(sq.NotEq{col: v})
		case query.CmpLt:
			qb = qb.Where(sq.Lt{col: v})
		case query.CmpLe:
			qb = qb.Where(sq.LtOrEq{col: v})
		case query.CmpGt:
			qb = qb.Where(sq.Gt{col: v})
		case query.CmpGe:
			qb = qb.Where(sq.GtOrEq{col: v})
		case query.CmpBegins:
			qb = qb.Where(sq.Like{col: fmt.Sprintf("%v%%", v)})
		case query.CmpContains:
			qb = qb.Where(sq.Like{col: fmt.Sprintf("%%%v%%", v)})
		default:
			qb = qb.Where(sq.Eq{col: v})
		}
	}
	return qb
}

// Add inserts a record; a primary-key collision maps to
// query.ErrAlreadyExists.
func (t *Translator) Add(ctx context.Context, table string, row map[string]any, opts query.Options) error {
	cols, vals := columnsAndValues(row)

	sqlStr, args, err := t.sb.Insert(table).Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	if _, err := t.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if pgCode(err) == pgerrcode.UniqueViolation {
			return query.ErrAlreadyExists
		}
		return fmt.Errorf("add to %s: %w", table, err)
	}
	return nil
}

// Put upserts a record keyed by the table's primary key.
func (t *Translator) Put(ctx context.Context, table string, row map[string]any, opts query.Options) error {
	cat, err := t.catalogOrIntrospect(ctx, table)
	if err != nil {
		return err
	}

	cols, vals := columnsAndValues(row)

	keyCols := make(map[string]struct{}, len(cat.Keys))
	var conflict []string
	for _, k := range cat.Keys {
		keyCols[k.Name] = struct{}{}
		conflict = append(conflict, k.Name)
	}
	var sets []string
	for _, c := range cols {
		if _, isKey := keyCols[c]; !isKey {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}

	qb := t.sb.Insert(table).Columns(cols...).Values(vals...)
	if len(sets) > 0 {
		qb = qb.Suffix(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(conflict, ", "), strings.Join(sets, ", ")))
	} else {
		qb = qb.Suffix(fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(conflict, ", ")))
	}

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}
	if _, err := t.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("put to %s: %w", table, err)
	}
	return nil
}

// Update mutates the named columns under the optimistic-concurrency
// expectation. Zero affected rows yields query.ErrNotFound when the caller
// supplied an explicit expectation and a silent no-op otherwise.
func (t *Translator) Update(ctx context.Context, table string, key, values map[string]any, opts query.Options) error {
	log := logger.FromContext(ctx)

	explicit := opts.Expected != nil

	qb := t.sb.Update(table).Where(sq.Eq(key))
	if explicit {
		qb = qb.Where(sq.Eq(opts.Expected))
	}
	for col, v := range values {
		qb = qb.Set(col, v)
	}

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}

	res, err := t.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if affected == 0 {
		if explicit {
			return query.ErrNotFound
		}
		log.Debug().Str("table", table).Msg("update matched no rows, nothing changed")
	}
	return nil
}

// Incr atomically adds numeric deltas to the named columns.
func (t *Translator) Incr(ctx context.Context, table string, key map[string]any, values map[string]int64, opts query.Options) error {
	qb := t.sb.Update(table).Where(sq.Eq(key))
	if opts.Expected != nil {
		qb = qb.Where(sq.Eq(opts.Expected))
	}
	for col, delta := range values {
		qb = qb.Set(col, sq.Expr(fmt.Sprintf("COALESCE(%s, 0) + ?", col), delta))
	}

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("building incr: %w", err)
	}

	res, err := t.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("incr %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("incr %s: %w", table, err)
	}
	if affected == 0 {
		return query.ErrNotFound
	}
	return nil
}

// Delete removes a record and returns its prior state via RETURNING.
func (t *Translator) Delete(ctx context.Context, table string, key map[string]any, opts query.Options) (map[string]any, error) {
	qb := t.sb.Delete(table).Where(sq.Eq(key))
	if opts.Expected != nil {
		qb = qb.Where(sq.Eq(opts.Expected))
	}
	qb = qb.Suffix("RETURNING *")

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building delete: %w", err)
	}

	rows, err := t.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("delete from %s: %w", table, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, query.ErrNotFound
	}
	return out[0], nil
}

func columnsAndValues(row map[string]any) ([]string, []any) {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	// Deterministic statement text simplifies logging and tests.
	sort.Strings(cols)
	vals := make([]any, len(cols))
	for i, col := range cols {
		vals[i] = row[col]
	}
	return cols, vals
}

// scanRows materializes a generic result set as column-keyed maps. Byte
// slices are surfaced as strings; the logical model has no raw-bytes column.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		for i := range vals {
			vals[i] = new(any)
		}
		if err := rows.Scan(vals...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := *(vals[i].(*any))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func cursorToOffset(c query.Cursor) int {
	if c == nil {
		return 0
	}
	switch v := c[cursorOffset].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func offsetToCursor(offset int) query.Cursor {
	return query.Cursor{cursorOffset: offset}
}
