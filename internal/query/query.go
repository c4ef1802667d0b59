// Package query defines the backend-agnostic query translation contract: a
// logical {table, operation, predicate, options} request model, the table
// catalog describing physical keys and indexes, and the Translator interface
// implemented once per backend family.
//
// Backends form a closed set selected at configuration time; there is no
// runtime capability sniffing. The partitioned-store implementation lives in
// the dynamo subpackage, the relational one in postgres.
package query

// Comparison is a per-column predicate operator.
type Comparison string

const (
	CmpEq       Comparison = "EQ"
	CmpNe       Comparison = "NE"
	CmpLt       Comparison = "LT"
	CmpLe       Comparison = "LE"
	CmpGt       Comparison = "GT"
	CmpGe       Comparison = "GE"
	CmpIn       Comparison = "IN"
	CmpBegins   Comparison = "BEGINS_WITH"
	CmpContains Comparison = "CONTAINS"
)

// Cursor is an opaque continuation token for paged reads. Callers treat it
// as a black box: a nil or empty cursor means enumeration is complete.
type Cursor map[string]any

// Options carries the per-request knobs shared by all operations.
type Options struct {
	// SortColumn requests ordering by the named column. On a partitioned
	// store it doubles as an index hint: a secondary index of the same name
	// is adopted when the primary sort key does not match.
	SortColumn string

	// Descending reverses the sort direction when a sort column applies.
	Descending bool

	// Comparisons maps a predicate column to its operator. Columns absent
	// from the map default to CmpEq.
	Comparisons map[string]Comparison

	// Cursor resumes a paged read where the previous page left off.
	Cursor Cursor

	// Limit caps the number of rows materialized across all pages.
	// Zero means unbounded.
	Limit int

	// Columns restricts the attributes fetched. Empty means all.
	Columns []string

	// Consistent requests a strongly consistent read where the backend
	// distinguishes consistency levels.
	Consistent bool

	// RateLimit routes physical calls through the backend's capacity
	// limiter. Capacity exhaustion is absorbed as a delay, never an error.
	RateLimit bool

	// Expected is the optimistic-concurrency predicate attached to
	// conditional writes. When nil, the resolved primary key values are
	// used so a write never lands on a record that has since vanished.
	Expected map[string]any

	// Total requests a row count instead of materialized rows.
	Total bool

	// NoScan disables full-table scans. A select that would require a scan
	// returns an empty result set instead of executing an unbounded read.
	NoScan bool
}

// Result is the outcome of a select-style operation.
type Result struct {
	// Rows holds the materialized records, column name to value.
	Rows []map[string]any

	// Cursor is non-empty when more pages remain.
	Cursor Cursor

	// Total is the accumulated row count in Total mode.
	Total int

	// Partial is set when the chosen index could not project every
	// requested column, so rows may be missing attributes.
	Partial bool
}
