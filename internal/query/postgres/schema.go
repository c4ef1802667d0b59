package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/mkarev/credvault/internal/query"
)

// Introspect rebuilds the catalogs for the named tables from pg_index and
// pg_attribute. The primary key becomes the catalog's key columns; every
// other index on the table is surfaced as a secondary index in name order,
// which is stable across rebuilds.
func (t *Translator) Introspect(ctx context.Context, tables []string) error {
	for _, table := range tables {
		cat, err := t.introspectTable(ctx, table)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.catalogs[table] = cat
		t.mu.Unlock()
		t.logger.Debug().
			Str("table", table).
			Int("indexes", len(cat.Indexes)).
			Msg("table introspected")
	}
	return nil
}

const introspectQuery = `
SELECT c.relname,
       i.indisprimary,
       a.attname,
       array_position(i.indkey, a.attnum) AS rank
FROM pg_index i
JOIN pg_class c ON c.oid = i.indexrelid
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY (i.indkey)
WHERE i.indrelid = $1::regclass
ORDER BY i.indisprimary DESC, c.relname, rank`

func (t *Translator) introspectTable(ctx context.Context, table string) (*query.Catalog, error) {
	rows, err := t.db.QueryContext(ctx, introspectQuery, table)
	if err != nil {
		return nil, fmt.Errorf("introspecting %s: %w", table, err)
	}
	defer rows.Close()

	cat := &query.Catalog{Table: table}
	indexes := make(map[string]*query.Index)
	var order []string

	for rows.Next() {
		var (
			indexName string
			primary   bool
			column    string
			rank      int
		)
		if err := rows.Scan(&indexName, &primary, &column, &rank); err != nil {
			return nil, fmt.Errorf("introspecting %s: %w", table, err)
		}
		if primary {
			cat.Keys = append(cat.Keys, query.KeyColumn{Name: column, Rank: rank})
			continue
		}
		ix, ok := indexes[indexName]
		if !ok {
			ix = &query.Index{Name: indexName, Global: true}
			indexes[indexName] = ix
			order = append(order, indexName)
		}
		ix.Keys = append(ix.Keys, query.KeyColumn{Name: column, Rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspecting %s: %w", table, err)
	}
	if len(cat.Keys) == 0 {
		return nil, fmt.Errorf("%w: %s has no primary key", query.ErrNoCatalog, table)
	}

	for _, name := range order {
		cat.Indexes = append(cat.Indexes, *indexes[name])
	}
	return cat, nil
}

// CreateTable issues CREATE TABLE with text key columns and one CREATE INDEX
// per declared secondary index. Relational tables are usable as soon as DDL
// commits, so there is no activation wait.
func (t *Translator) CreateTable(ctx context.Context, spec query.TableSpec) error {
	cols := make([]string, 0, len(spec.Keys))
	pk := make([]string, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		cols = append(cols, k.Name+" TEXT NOT NULL")
		pk = append(pk, k.Name)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s, PRIMARY KEY (%s))",
		spec.Table, strings.Join(cols, ", "), strings.Join(pk, ", "))

	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", spec.Table, err)
	}

	for _, ix := range spec.Indexes {
		if err := t.createIndex(ctx, spec.Table, ix); err != nil {
			return err
		}
	}
	return t.Introspect(ctx, []string{spec.Table})
}

func (t *Translator) createIndex(ctx context.Context, table string, ix query.Index) error {
	keyCols := make([]string, 0, len(ix.Keys))
	for _, k := range ix.Keys {
		keyCols = append(keyCols, k.Name)
	}
	ddl := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		ix.Name, table, strings.Join(keyCols, ", "))
	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating index %s on %s: %w", ix.Name, table, err)
	}
	return nil
}

// DropTable removes a table and evicts its cached catalog.
func (t *Translator) DropTable(ctx context.Context, table string) error {
	if _, err := t.db.ExecContext(ctx, "DROP TABLE "+table); err != nil {
		return fmt.Errorf("dropping table %s: %w", table, err)
	}
	t.mu.Lock()
	delete(t.catalogs, table)
	t.mu.Unlock()
	return nil
}

// Upgrade creates the secondary indexes from spec that the cached catalog
// does not already declare. The diff runs against the cache, never against
// a fresh description.
func (t *Translator) Upgrade(ctx context.Context, spec query.TableSpec) error {
	cat, err := t.catalogOrIntrospect(ctx, spec.Table)
	if err != nil {
		return err
	}

	var created bool
	for _, ix := range spec.Indexes {
		if _, ok := cat.IndexByName(ix.Name); ok {
			continue
		}
		t.logger.Info().Str("table", spec.Table).Str("index", ix.Name).Msg("adding secondary index")
		if err := t.createIndex(ctx, spec.Table, ix); err != nil {
			return err
		}
		created = true
	}
	if !created {
		return nil
	}
	return t.Introspect(ctx, []string{spec.Table})
}
