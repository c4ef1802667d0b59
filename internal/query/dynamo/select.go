package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mkarev/credvault/internal/logger"
	"github.com/mkarev/credvault/internal/query"
)

// plan is the resolved physical access path for one select.
type plan struct {
	// index is the secondary index to read through, empty for the base
	// table.
	index string

	// keys are the key columns of the chosen access path.
	keys []query.KeyColumn

	// useQuery selects an indexed, partition-key-bound query; false means
	// an unbounded scan.
	useQuery bool

	// partial marks that the chosen index cannot project every requested
	// column.
	partial bool

	// inColumn/inValues hold a sort-key IN predicate. The key condition
	// drops the sort key and the match runs client-side on page rows; the
	// backend rejects filter expressions that reference key attributes.
	inColumn string
	inValues []any
}

// matchesIn applies the client-side sort-key IN match to one row.
func (p plan) matchesIn(row map[string]any) bool {
	if p.inColumn == "" {
		return true
	}
	got := row[p.inColumn]
	for _, want := range p.inValues {
		if got == want {
			return true
		}
	}
	return false
}

// planSelect decides the access path for a predicate against a table
// catalog. The declared order of secondary indexes is the fixed tie-break
// when several could serve; changing it would silently change which physical
// index backs existing queries.
func planSelect(cat *query.Catalog, predicate map[string]any, opts query.Options) plan {
	p := plan{keys: cat.Keys}

	switch {
	case opts.SortColumn != "" && opts.SortColumn == cat.SortKey():
		// The primary sort key already orders the base table.
	case opts.SortColumn != "":
		if ix, ok := cat.IndexByName(opts.SortColumn); ok {
			p.index = ix.Name
			p.keys = ix.Keys
			p.partial = !ix.Projects(opts.Columns) ||
				(len(opts.Columns) == 0 && len(ix.Projection) > 0)
		}
	default:
		if _, ok := predicate[cat.PartitionKey()]; !ok {
			if ix, ok := cat.FirstIndexFor(predicate); ok {
				p.index = ix.Name
				p.keys = ix.Keys
				p.partial = !ix.Projects(opts.Columns) ||
					(len(opts.Columns) == 0 && len(ix.Projection) > 0)
			}
		}
	}

	pk := partitionOf(p.keys)
	_, bound := predicate[pk]
	p.useQuery = pk != "" && bound

	// IN has no native partition-key form: OR across partitions degrades
	// to a scan. IN on the sort key merely drops that key from the key
	// condition; the query stays partition-bound.
	if p.useQuery && opts.Comparisons[pk] == query.CmpIn {
		p.useQuery = false
	}

	if p.useQuery {
		if sk := sortOf(p.keys); sk != "" {
			if v, ok := predicate[sk]; ok && opts.Comparisons[sk] == query.CmpIn {
				p.inColumn = sk
				p.inValues = inValues(v)
			}
		}
	}
	return p
}

func partitionOf(keys []query.KeyColumn) string {
	for _, k := range keys {
		if k.Rank == 0 {
			return k.Name
		}
	}
	return ""
}

func sortOf(keys []query.KeyColumn) string {
	for _, k := range keys {
		if k.Rank == 1 {
			return k.Name
		}
	}
	return ""
}

// Get reads one record by its full primary key.
func (t *Translator) Get(ctx context.Context, table string, key map[string]any, opts query.Options) (map[string]any, error) {
	avKey, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling key: %w", err)
	}

	if opts.RateLimit {
		if err := t.readBucket.Wait(ctx); err != nil {
			return nil, err
		}
	}

	out, err := t.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:              aws.String(table),
		Key:                    avKey,
		ConsistentRead:         aws.Bool(opts.Consistent),
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	t.debitRead(opts, out.ConsumedCapacity)

	if len(out.Item) == 0 {
		return nil, query.ErrNotFound
	}
	var row map[string]any
	if err := attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return nil, fmt.Errorf("unmarshaling item: %w", err)
	}
	return row, nil
}

// Select resolves an access path for the predicate and pages through the
// physical reads until the continuation cursor is exhausted or the requested
// count is satisfied. Each page's kept row count (which may be smaller than
// asked) is deducted from the remaining budget. In Total mode only a count
// is accumulated.
func (t *Translator) Select(ctx context.Context, table string, predicate map[string]any, opts query.Options) (*query.Result, error) {
	log := logger.FromContext(ctx)

	cat, err := t.catalogOrIntrospect(ctx, table)
	if err != nil {
		return nil, err
	}

	p := planSelect(cat, predicate, opts)
	if !p.useQuery && opts.NoScan {
		// Deliberate safety valve: an unbounded scan was requested in
		// no-scan mode. Empty result, not an error.
		log.Debug().Str("table", table).Msg("select reduced to scan in no-scan mode")
		return &query.Result{}, nil
	}

	expr, err := buildSelectExpression(p, predicate, opts)
	if err != nil {
		return nil, err
	}

	result := &query.Result{Partial: p.partial}
	remaining := opts.Limit
	cursor := opts.Cursor

	for {
		if opts.RateLimit {
			if err := t.readBucket.Wait(ctx); err != nil {
				return nil, err
			}
		}

		items, nextCursor, consumed, err := t.readPage(ctx, table, p, expr, cursor, remaining, opts)
		if err != nil {
			return nil, err
		}
		t.debitRead(opts, consumed)

		kept := 0
		if opts.Total && p.inColumn == "" {
			kept = len(items)
			result.Total += kept
		} else {
			for _, item := range items {
				var row map[string]any
				if err := attributevalue.UnmarshalMap(item, &row); err != nil {
					return nil, fmt.Errorf("unmarshaling row: %w", err)
				}
				if !p.matchesIn(row) {
					continue
				}
				kept++
				if opts.Total {
					result.Total++
				} else {
					result.Rows = append(result.Rows, row)
				}
			}
		}

		if opts.Limit > 0 {
			remaining -= kept
			if remaining <= 0 {
				result.Cursor = nextCursor
				break
			}
		}
		if len(nextCursor) == 0 {
			break
		}
		cursor = nextCursor
	}
	return result, nil
}

// readPage issues exactly one physical Query or Scan call.
func (t *Translator) readPage(ctx context.Context, table string, p plan, expr expression.Expression, cursor query.Cursor, remaining int, opts query.Options) ([]map[string]types.AttributeValue, query.Cursor, *types.ConsumedCapacity, error) {
	startKey, err := cursorToKey(cursor)
	if err != nil {
		return nil, nil, nil, err
	}

	var limit *int32
	if opts.Limit > 0 && remaining > 0 {
		limit = aws.Int32(int32(remaining))
	}

	var indexName *string
	if p.index != "" {
		indexName = aws.String(p.index)
	}

	selectMode := types.SelectAllAttributes
	switch {
	case opts.Total && p.inColumn == "":
		// COUNT cannot serve a client-side sort-key match; those counts
		// come from materialized rows.
		selectMode = types.SelectCount
	case expr.Projection() != nil:
		selectMode = types.SelectSpecificAttributes
	case p.index != "":
		// Reading through an index without an explicit projection must ask
		// for the projected attributes; ALL_ATTRIBUTES is rejected on a
		// restricted-projection index.
		selectMode = types.SelectAllProjectedAttributes
	}

	if p.useQuery {
		out, err := t.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(table),
			IndexName:                 indexName,
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ProjectionExpression:      expr.Projection(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
			Limit:                     limit,
			Select:                    selectMode,
			ScanIndexForward:          aws.Bool(!opts.Descending),
			ConsistentRead:            aws.Bool(opts.Consistent && p.index == ""),
			ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("query %s: %w", table, err)
		}
		next, err := keyToCursor(out.LastEvaluatedKey)
		if err != nil {
			return nil, nil, nil, err
		}
		items := out.Items
		if opts.Total && p.inColumn == "" {
			items = make([]map[string]types.AttributeValue, int(out.Count))
		}
		return items, next, out.ConsumedCapacity, nil
	}

	out, err := t.api.Scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(table),
		IndexName:                 indexName,
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ExclusiveStartKey:         startKey,
		Limit:                     limit,
		Select:                    selectMode,
		ConsistentRead:            aws.Bool(opts.Consistent && p.index == ""),
		ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("scan %s: %w", table, err)
	}
	next, err := keyToCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, nil, nil, err
	}
	items := out.Items
	if opts.Total {
		items = make([]map[string]types.AttributeValue, int(out.Count))
	}
	return items, next, out.ConsumedCapacity, nil
}

// buildSelectExpression assembles the key condition (for queries), filter
// (for everything the key condition cannot express) and projection.
func buildSelectExpression(p plan, predicate map[string]any, opts query.Options) (expression.Expression, error) {
	builder := expression.NewBuilder()
	hasAny := false

	keyCols := make(map[string]struct{})
	if p.useQuery {
		pk := partitionOf(p.keys)
		kc := expression.Key(pk).Equal(expression.Value(predicate[pk]))
		keyCols[pk] = struct{}{}

		sk := sortOf(p.keys)
		if sk != "" {
			if v, ok := predicate[sk]; ok {
				if opts.Comparisons[sk] != query.CmpIn {
					kc = kc.And(sortKeyCondition(sk, v, opts.Comparisons[sk]))
				}
				// An IN sort key stays out of the filter too; key
				// attributes are forbidden in filter expressions and the
				// match runs client-side instead.
				keyCols[sk] = struct{}{}
			}
		}
		builder = builder.WithKeyCondition(kc)
		hasAny = true
	}

	var filter expression.ConditionBuilder
	hasFilter := false
	for col, v := range predicate {
		if _, isKey := keyCols[col]; isKey {
			continue
		}
		cond := filterCondition(col, v, opts.Comparisons[col])
		if hasFilter {
			filter = filter.And(cond)
		} else {
			filter = cond
			hasFilter = true
		}
	}
	if hasFilter {
		builder = builder.WithFilter(filter)
		hasAny = true
	}

	if len(opts.Columns) > 0 && !opts.Total {
		names := make([]expression.NameBuilder, len(opts.Columns))
		for i, c := range opts.Columns {
			names[i] = expression.Name(c)
		}
		builder = builder.WithProjection(expression.NamesList(names[0], names[1:]...))
		hasAny = true
	}

	if !hasAny {
		// expression.Builder errors on an empty build; a bare scan needs
		// no expression at all.
		return expression.Expression{}, nil
	}
	return builder.Build()
}

func sortKeyCondition(col string, v any, cmp query.Comparison) expression.KeyConditionBuilder {
	key := expression.Key(col)
	switch cmp {
	case query.CmpLt:
		return key.LessThan(expression.Value(v))
	case query.CmpLe:
		return key.LessThanEqual(expression.Value(v))
	case query.CmpGt:
		return key.GreaterThan(expression.Value(v))
	case query.CmpGe:
		return key.GreaterThanEqual(expression.Value(v))
	case query.CmpBegins:
		return key.BeginsWith(fmt.Sprintf("%v", v))
	default:
		return key.Equal(expression.Value(v))
	}
}

func filterCondition(col string, v any, cmp query.Comparison) expression.ConditionBuilder {
	name := expression.Name(col)
	switch cmp {
	case query.CmpNe:
		return name.NotEqual(expression.Value(v))
	case query.CmpLt:
		return name.LessThan(expression.Value(v))
	case query.CmpLe:
		return name.LessThanEqual(expression.Value(v))
	case query.CmpGt:
		return name.GreaterThan(expression.Value(v))
	case query.CmpGe:
		return name.GreaterThanEqual(expression.Value(v))
	case query.CmpBegins:
		return name.BeginsWith(fmt.Sprintf("%v", v))
	case query.CmpContains:
		return name.Contains(fmt.Sprintf("%v", v))
	case query.CmpIn:
		vals := inOperands(v)
		if len(vals) == 0 {
			return name.Equal(expression.Value(v))
		}
		return name.In(vals[0], vals[1:]...)
	default:
		return name.Equal(expression.Value(v))
	}
}

func inOperands(v any) []expression.OperandBuilder {
	vals := inValues(v)
	out := make([]expression.OperandBuilder, len(vals))
	for i, e := range vals {
		out[i] = expression.Value(e)
	}
	return out
}

func inValues(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = e
		}
		return out
	}
	return nil
}

// cursorToKey converts the opaque continuation cursor back to a physical
// ExclusiveStartKey.
func cursorToKey(c query.Cursor) (map[string]types.AttributeValue, error) {
	if len(c) == 0 {
		return nil, nil
	}
	key, err := attributevalue.MarshalMap(map[string]any(c))
	if err != nil {
		return nil, fmt.Errorf("marshaling cursor: %w", err)
	}
	return key, nil
}

// keyToCursor converts a LastEvaluatedKey into the opaque cursor handed back
// to callers.
func keyToCursor(key map[string]types.AttributeValue) (query.Cursor, error) {
	if len(key) == 0 {
		return nil, nil
	}
	var c map[string]any
	if err := attributevalue.UnmarshalMap(key, &c); err != nil {
		return nil, fmt.Errorf("unmarshaling cursor: %w", err)
	}
	return query.Cursor(c), nil
}

func (t *Translator) debitRead(opts query.Options, consumed *types.ConsumedCapacity) {
	if !opts.RateLimit || consumed == nil || consumed.CapacityUnits == nil {
		return
	}
	t.readBucket.Debit(*consumed.CapacityUnits)
}

func (t *Translator) debitWrite(opts query.Options, consumed *types.ConsumedCapacity) {
	if !opts.RateLimit || consumed == nil || consumed.CapacityUnits == nil {
		return
	}
	t.writeBucket.Debit(*consumed.CapacityUnits)
}
