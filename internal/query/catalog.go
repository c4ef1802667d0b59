package query

// KeyColumn is one component of a physical key, ordered by Rank: rank 0 is
// the partition (hash) key, rank 1 the optional sort (range) key.
type KeyColumn struct {
	Name string
	Rank int
}

// Index describes a secondary index on a table.
type Index struct {
	// Name identifies the index. A request's SortColumn matching this name
	// selects the index.
	Name string

	// Keys are the index key columns, at most two, ordered by rank.
	Keys []KeyColumn

	// Projection is the restricted column set readable through the index
	// without an extra fetch. Empty means all columns project.
	Projection []string

	// Global marks an index with its own partition key; a local index
	// shares the base table's partition key.
	Global bool
}

// PartitionKey returns the rank-0 key column name, or "".
func (ix Index) PartitionKey() string {
	for _, k := range ix.Keys {
		if k.Rank == 0 {
			return k.Name
		}
	}
	return ""
}

// Projects reports whether every requested column is available through the
// index projection. An empty projection projects everything.
func (ix Index) Projects(columns []string) bool {
	if len(ix.Projection) == 0 {
		return true
	}
	avail := make(map[string]struct{}, len(ix.Projection))
	for _, c := range ix.Projection {
		avail[c] = struct{}{}
	}
	for _, c := range columns {
		if _, ok := avail[c]; !ok {
			return false
		}
	}
	return true
}

// Throughput is the provisioned capacity metadata attached to a table or
// index, in capacity units per second. Zero means on-demand/unknown.
type Throughput struct {
	ReadUnits  int64
	WriteUnits int64
}

// Catalog is the cached physical description of one table: declared primary
// key columns, secondary indexes in declaration order, and capacity
// metadata. Introspection rebuilds a Catalog wholesale; between rebuilds it
// is read-only, so concurrent readers need no lock but must tolerate a
// transiently stale or absent catalog during a rebuild.
type Catalog struct {
	Table      string
	Keys       []KeyColumn
	Indexes    []Index
	Throughput Throughput
}

// PartitionKey returns the table's rank-0 primary key column name, or "".
func (c *Catalog) PartitionKey() string {
	for _, k := range c.Keys {
		if k.Rank == 0 {
			return k.Name
		}
	}
	return ""
}

// SortKey returns the table's rank-1 primary key column name, or "".
func (c *Catalog) SortKey() string {
	for _, k := range c.Keys {
		if k.Rank == 1 {
			return k.Name
		}
	}
	return ""
}

// IndexByName returns the declared index with the given name.
func (c *Catalog) IndexByName(name string) (Index, bool) {
	for _, ix := range c.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return Index{}, false
}

// FirstIndexFor returns the first declared index whose partition key has a
// value in the predicate. Declaration order is the fixed tie-break when
// several indexes qualify.
func (c *Catalog) FirstIndexFor(predicate map[string]any) (Index, bool) {
	for _, ix := range c.Indexes {
		pk := ix.PartitionKey()
		if pk == "" {
			continue
		}
		if _, ok := predicate[pk]; ok {
			return ix, true
		}
	}
	return Index{}, false
}
