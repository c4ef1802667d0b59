// Package dynamo implements the query.Translator contract on DynamoDB, the
// representative partitioned store: exact-match partition-key lookups, range
// queries within one partition, full-table scans, opaque continuation
// cursors, and conditional writes for optimistic concurrency.
package dynamo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/mkarev/credvault/internal/logger"
	"github.com/mkarev/credvault/internal/query"
	"github.com/mkarev/credvault/internal/ratelimit"
)

// introspectConcurrency bounds the DescribeTable fan-out so the control
// plane's own rate limits are not tripped.
const introspectConcurrency = 2

// defaultActiveDeadline bounds the wait for a created table to go ACTIVE
// when the caller does not set one.
const defaultActiveDeadline = 2 * time.Minute

// Translator is the DynamoDB-backed query translator. The catalog cache is
// rebuilt wholesale by Introspect and read lock-free between rebuilds;
// concurrent readers may briefly observe a stale or absent entry during a
// rebuild.
type Translator struct {
	api    API
	logger *logger.Logger

	readBucket  *ratelimit.Bucket
	writeBucket *ratelimit.Bucket

	mu       sync.RWMutex
	catalogs map[string]*query.Catalog
}

// Config carries translator construction parameters.
type Config struct {
	// ReadCapacity and WriteCapacity are the capacity budgets in units per
	// second for rate-limited requests. Zero disables limiting.
	ReadCapacity  float64
	WriteCapacity float64
}

// New constructs a Translator over the given DynamoDB API.
func New(api API, cfg Config, log *logger.Logger) *Translator {
	log.Debug().
		Float64("read_capacity", cfg.ReadCapacity).
		Float64("write_capacity", cfg.WriteCapacity).
		Msg("creating dynamo translator")
	return &Translator{
		api:         api,
		logger:      log,
		readBucket:  ratelimit.New(cfg.ReadCapacity),
		writeBucket: ratelimit.New(cfg.WriteCapacity),
		catalogs:    make(map[string]*query.Catalog),
	}
}

// Introspect describes the named tables and replaces their cached catalogs
// wholesale. Tables are described concurrently, bounded at
// introspectConcurrency at a time.
func (t *Translator) Introspect(ctx context.Context, tables []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(introspectConcurrency)

	for _, table := range tables {
		g.Go(func() error {
			cat, err := t.describe(gctx, table)
			if err != nil {
				return err
			}
			t.mu.Lock()
			t.catalogs[table] = cat
			t.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Catalog returns the cached catalog for a table.
func (t *Translator) Catalog(table string) (*query.Catalog, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cat, ok := t.catalogs[table]
	return cat, ok
}

// catalogOrIntrospect resolves the table catalog, introspecting on a cache
// miss so first use does not require an explicit Introspect call.
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

func (t *Translator) describe(ctx context.Context, table string) (*query.Catalog, error) {
	out, err := t.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err != nil {
		return nil, fmt.Errorf("describing table %s: %w", table, err)
	}
	return catalogFromDescription(table, out.Table), nil
}

// catalogFromDescription maps a DynamoDB table description onto the
// backend-agnostic catalog model. Index declaration order is preserved
// (globals first, then locals) because it is the fixed tie-break during
// index selection.
func catalogFromDescription(table string, desc *types.TableDescription) *query.Catalog {
	cat := &query.Catalog{Table: table}
	cat.Keys = keyColumns(desc.KeySchema)

	for _, gsi := range desc.GlobalSecondaryIndexes {
		cat.Indexes = append(cat.Indexes, query.Index{
			Name:       aws.ToString(gsi.IndexName),
			Keys:       keyColumns(gsi.KeySchema),
			Projection: projectedColumns(gsi.Projection, gsi.KeySchema, desc.KeySchema),
			Global:     true,
		})
	}
	for _, lsi := range desc.LocalSecondaryIndexes {
		cat.Indexes = append(cat.Indexes, query.Index{
			Name:       aws.ToString(lsi.IndexName),
			Keys:       keyColumns(lsi.KeySchema),
			Projection: projectedColumns(lsi.Projection, lsi.KeySchema, desc.KeySchema),
			Global:     false,
		})
	}

	if tp := desc.ProvisionedThroughput; tp != nil {
		cat.Throughput = query.Throughput{
			ReadUnits:  aws.ToInt64(tp.ReadCapacityUnits),
			WriteUnits: aws.ToInt64(tp.WriteCapacityUnits),
		}
	}
	return cat
}

func keyColumns(schema []types.KeySchemaElement) []query.KeyColumn {
	cols := make([]query.KeyColumn, 0, len(schema))
	for _, el := range schema {
		rank := 0
		if el.KeyType == types.KeyTypeRange {
			rank = 1
		}
		cols = append(cols, query.KeyColumn{Name: aws.ToString(el.AttributeName), Rank: rank})
	}
	return cols
}

// projectedColumns flattens a DynamoDB projection into the catalog's column
// list. An ALL projection reads as unrestricted (nil); KEYS_ONLY and INCLUDE
// enumerate the reachable attributes, which always include the index and
// base-table key columns.
func projectedColumns(p *types.Projection, indexKeys, tableKeys []types.KeySchemaElement) []string {
	if p == nil || p.ProjectionType == types.ProjectionTypeAll {
		return nil
	}
	seen := make(map[string]struct{})
	var cols []string
	add := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			cols = append(cols, name)
		}
	}
	for _, el := range indexKeys {
		add(aws.ToString(el.AttributeName))
	}
	for _, el := range tableKeys {
		add(aws.ToString(el.AttributeName))
	}
	if p.ProjectionType == types.ProjectionTypeInclude {
		for _, name := range p.NonKeyAttributes {
			add(name)
		}
	}
	return cols
}
