package query

import "errors"

var (
	// ErrNotFound is returned when a keyed read misses, when an id fails to
	// resolve, or when a conditional update/delete's expectation no longer
	// holds.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a conditional create's existence
	// check fails: another writer created the record first.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoCatalog is returned when an operation needs key schema for a
	// table that has not been introspected yet.
	ErrNoCatalog = errors.New("no catalog for table")
)
