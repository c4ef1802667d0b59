package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mkarev/credvault/internal/query"
)

// CreateTable provisions a table with the declared keys and secondary
// indexes, then waits for it to become ACTIVE within spec.ActiveDeadline
// (defaultActiveDeadline when unset). The wait fails rather than hangs once
// the deadline passes.
func (t *Translator) CreateTable(ctx context.Context, spec query.TableSpec) error {
	attrs := attributeDefinitions(spec)

	in := &dynamodb.CreateTableInput{
		TableName:            aws.String(spec.Table),
		KeySchema:            keySchema(spec.Keys),
		AttributeDefinitions: attrs,
	}

	if spec.Throughput.ReadUnits > 0 || spec.Throughput.WriteUnits > 0 {
		in.BillingMode = types.BillingModeProvisioned
		in.ProvisionedThroughput = provisioned(spec.Throughput)
	} else {
		in.BillingMode = types.BillingModePayPerRequest
	}

	for _, ix := range spec.Indexes {
		if ix.Global {
			gsi := types.GlobalSecondaryIndex{
				IndexName:  aws.String(ix.Name),
				KeySchema:  keySchema(ix.Keys),
				Projection: projection(ix),
			}
			if in.BillingMode == types.BillingModeProvisioned {
				gsi.ProvisionedThroughput = provisioned(spec.Throughput)
			}
			in.GlobalSecondaryIndexes = append(in.GlobalSecondaryIndexes, gsi)
		} else {
			in.LocalSecondaryIndexes = append(in.LocalSecondaryIndexes, types.LocalSecondaryIndex{
				IndexName:  aws.String(ix.Name),
				KeySchema:  keySchema(ix.Keys),
				Projection: projection(ix),
			})
		}
	}

	if _, err := t.api.CreateTable(ctx, in); err != nil {
		return fmt.Errorf("creating table %s: %w", spec.Table, err)
	}

	deadline := spec.ActiveDeadline
	if deadline <= 0 {
		deadline = defaultActiveDeadline
	}
	waiter := dynamodb.NewTableExistsWaiter(t.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(spec.Table)}, deadline); err != nil {
		return fmt.Errorf("waiting for table %s to become active: %w", spec.Table, err)
	}

	return t.Introspect(ctx, []string{spec.Table})
}

// DropTable removes a table and evicts its cached catalog.
func (t *Translator) DropTable(ctx context.Context, table string) error {
	if _, err := t.api.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(table)}); err != nil {
		return fmt.Errorf("dropping table %s: %w", table, err)
	}
	t.mu.Lock()
	delete(t.catalogs, table)
	t.mu.Unlock()
	return nil
}

// Upgrade adds the secondary indexes from spec that the cached catalog does
// not already declare. The diff runs against the cache, never against a
// fresh description, and existing indexes are never re-declared. DynamoDB
// accepts one online GSI addition per call, so missing indexes are created
// sequentially.
func (t *Translator) Upgrade(ctx context.Context, spec query.TableSpec) error {
	cat, err := t.catalogOrIntrospect(ctx, spec.Table)
	if err != nil {
		return err
	}

	var missing []query.Index
	for _, ix := range spec.Indexes {
		if _, ok := cat.IndexByName(ix.Name); !ok {
			missing = append(missing, ix)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	for _, ix := range missing {
		if !ix.Global {
			// Local indexes share the base partition and cannot be added
			// after table creation.
			return fmt.Errorf("index %s on %s: local indexes cannot be added online", ix.Name, spec.Table)
		}
		create := &types.CreateGlobalSecondaryIndexAction{
			IndexName:  aws.String(ix.Name),
			KeySchema:  keySchema(ix.Keys),
			Projection: projection(ix),
		}
		if cat.Throughput.ReadUnits > 0 || cat.Throughput.WriteUnits > 0 {
			create.ProvisionedThroughput = provisioned(cat.Throughput)
		}

		t.logger.Info().Str("table", spec.Table).Str("index", ix.Name).Msg("adding secondary index")
		_, err := t.api.UpdateTable(ctx, &dynamodb.UpdateTableInput{
			TableName:            aws.String(spec.Table),
			AttributeDefinitions: indexAttributeDefinitions(ix),
			GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{
				{Create: create},
			},
		})
		if err != nil {
			return fmt.Errorf("adding index %s to %s: %w", ix.Name, spec.Table, err)
		}
	}

	return t.Introspect(ctx, []string{spec.Table})
}

func keySchema(keys []query.KeyColumn) []types.KeySchemaElement {
	out := make([]types.KeySchemaElement, 0, len(keys))
	for _, k := range keys {
		kt := types.KeyTypeHash
		if k.Rank == 1 {
			kt = types.KeyTypeRange
		}
		out = append(out, types.KeySchemaElement{
			AttributeName: aws.String(k.Name),
			KeyType:       kt,
		})
	}
	return out
}

// attributeDefinitions collects every key attribute of the table and its
// indexes, deduplicated. All key attributes are strings in this data model.
func attributeDefinitions(spec query.TableSpec) []types.AttributeDefinition {
	seen := make(map[string]struct{})
	var out []types.AttributeDefinition
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, types.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: types.ScalarAttributeTypeS,
		})
	}
	for _, k := range spec.Keys {
		add(k.Name)
	}
	for _, ix := range spec.Indexes {
		for _, k := range ix.Keys {
			add(k.Name)
		}
	}
	return out
}

func indexAttributeDefinitions(ix query.Index) []types.AttributeDefinition {
	out := make([]types.AttributeDefinition, 0, len(ix.Keys))
	for _, k := range ix.Keys {
		out = append(out, types.AttributeDefinition{
			AttributeName: aws.String(k.Name),
			AttributeType: types.ScalarAttributeTypeS,
		})
	}
	return out
}

func projection(ix query.Index) *types.Projection {
	if len(ix.Projection) == 0 {
		return &types.Projection{ProjectionType: types.ProjectionTypeAll}
	}
	keyCols := make(map[string]struct{}, len(ix.Keys))
	for _, k := range ix.Keys {
		keyCols[k.Name] = struct{}{}
	}
	var nonKey []string
	for _, c := range ix.Projection {
		if _, ok := keyCols[c]; !ok {
			nonKey = append(nonKey, c)
		}
	}
	if len(nonKey) == 0 {
		return &types.Projection{ProjectionType: types.ProjectionTypeKeysOnly}
	}
	return &types.Projection{
		ProjectionType:   types.ProjectionTypeInclude,
		NonKeyAttributes: nonKey,
	}
}

func provisioned(tp query.Throughput) *types.ProvisionedThroughput {
	read := tp.ReadUnits
	if read <= 0 {
		read = 1
	}
	write := tp.WriteUnits
	if write <= 0 {
		write = 1
	}
	return &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(read),
		WriteCapacityUnits: aws.Int64(write),
	}
}
