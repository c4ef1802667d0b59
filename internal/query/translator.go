package query

import (
	"context"
	"time"
)

// TableSpec describes a table to be created or upgraded: the desired primary
// key and secondary indexes, plus provisioned capacity where the backend
// meters it.
type TableSpec struct {
	Table      string
	Keys       []KeyColumn
	Indexes    []Index
	Throughput Throughput

	// ActiveDeadline bounds the wait for a newly created table to become
	// usable. Zero applies the backend default. The wait fails rather than
	// hangs once the deadline passes.
	ActiveDeadline time.Duration
}

// Translator maps logical operations onto one physical backend. Exactly one
// implementation serves a configured deployment; callers never mix backends
// for the same table.
//
// All methods are safe for concurrent use. Within one call, physical reads
// are strictly sequential (page N+1 is never issued before page N's cursor
// is known); across calls there is no ordering guarantee and conditional
// writes are the only arbitration between concurrent mutators. No method
// retries on its own.
type Translator interface {
	// Introspect populates the in-memory catalog for the named tables from
	// the backend's schema metadata, replacing any cached state wholesale.
	Introspect(ctx context.Context, tables []string) error

	// Catalog returns the cached catalog for a table, if introspected.
	Catalog(table string) (*Catalog, bool)

	// Get reads a single record by its full primary key.
	// Returns ErrNotFound on a miss.
	Get(ctx context.Context, table string, key map[string]any, opts Options) (map[string]any, error)

	// Select runs a predicate query, choosing an access path per the
	// catalog, and pages until the cursor is exhausted or opts.Limit is
	// satisfied.
	Select(ctx context.Context, table string, predicate map[string]any, opts Options) (*Result, error)

	// Add creates a record, guarded by a primary-key existence check.
	// Returns ErrAlreadyExists when the record is already present.
	Add(ctx context.Context, table string, row map[string]any, opts Options) error

	// Put writes a record unconditionally, replacing any prior version.
	Put(ctx context.Context, table string, row map[string]any, opts Options) error

	// Update mutates the named columns of an existing record. The
	// opts.Expected predicate (defaulting to the key itself) guards the
	// write; a failed expectation yields ErrNotFound when the caller
	// supplied one, and a silent no-op otherwise.
	Update(ctx context.Context, table string, key, values map[string]any, opts Options) error

	// Incr atomically adds the numeric deltas in values to the named
	// columns, under the same conditional semantics as Update.
	Incr(ctx context.Context, table string, key map[string]any, values map[string]int64, opts Options) error

	// Delete removes a record and returns its prior state.
	// Returns ErrNotFound when the record is absent or the expectation
	// fails.
	Delete(ctx context.Context, table string, key map[string]any, opts Options) (map[string]any, error)

	// CreateTable provisions a new table and waits for it to become
	// active within spec.ActiveDeadline.
	CreateTable(ctx context.Context, spec TableSpec) error

	// DropTable removes a table.
	DropTable(ctx context.Context, table string) error

	// Upgrade diffs spec.Indexes against the cached catalog and creates
	// only the missing ones; existing indexes are never re-declared.
	Upgrade(ctx context.Context, spec TableSpec) error
}
