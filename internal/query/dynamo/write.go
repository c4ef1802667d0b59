package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mkarev/credvault/internal/logger"
	"github.com/mkarev/credvault/internal/query"
)

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// Add creates a record guarded by an existence check on the partition key,
// so two concurrent creators cannot silently overwrite each other. A failed
// check maps to query.ErrAlreadyExists.
func (t *Translator) Add(ctx context.Context, table string, row map[string]any, opts query.Options) error {
	cat, err := t.catalogOrIntrospect(ctx, table)
	if err != nil {
		return err
	}

	item, err := attributevalue.MarshalMap(row)
	if err != nil {
		return fmt.Errorf("marshaling row: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name(cat.PartitionKey()))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("building condition: %w", err)
	}

	if opts.RateLimit {
		if err := t.writeBucket.Wait(ctx); err != nil {
			return err
		}
	}

	out, err := t.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(table),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		if isConditionFailed(err) {
			return query.ErrAlreadyExists
		}
		return fmt.Errorf("add to %s: %w", table, err)
	}
	t.debitWrite(opts, out.ConsumedCapacity)
	return nil
}

// Put writes a record unconditionally, replacing any prior version.
func (t *Translator) Put(ctx context.Context, table string, row map[string]any, opts query.Options) error {
	item, err := attributevalue.MarshalMap(row)
	if err != nil {
		return fmt.Errorf("marshaling row: %w", err)
	}

	if opts.RateLimit {
		if err := t.writeBucket.Wait(ctx); err != nil {
			return err
		}
	}

	out, err := t.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:              aws.String(table),
		Item:                   item,
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		return fmt.Errorf("put to %s: %w", table, err)
	}
	t.debitWrite(opts, out.ConsumedCapacity)
	return nil
}

// Update sets the given columns on an existing record under an
// optimistic-concurrency condition. With an explicit opts.Expected, a failed
// condition is query.ErrNotFound; without one the default key-equality
// condition still guards against writing a vanished record, but its failure
// is treated as "nothing changed" rather than an error.
func (t *Translator) Update(ctx context.Context, table string, key, values map[string]any, opts query.Options) error {
	log := logger.FromContext(ctx)

	avKey, err := attributevalue.MarshalMap(key)
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}

	upd := expression.UpdateBuilder{}
	for col, v := range values {
		upd = upd.Set(expression.Name(col), expression.Value(v))
	}

	explicit := opts.Expected != nil
	cond, err := t.writeCondition(key, opts)
	if err != nil {
		return err
	}
	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}

	if opts.RateLimit {
		if err := t.writeBucket.Wait(ctx); err != nil {
			return err
		}
	}

	out, err := t.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       avKey,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		if isConditionFailed(err) {
			if explicit {
				return query.ErrNotFound
			}
			log.Debug().Str("table", table).Msg("update condition failed, nothing changed")
			return nil
		}
		return fmt.Errorf("update %s: %w", table, err)
	}
	t.debitWrite(opts, out.ConsumedCapacity)
	return nil
}

// Incr atomically adds numeric deltas to the named columns, with the same
// conditional semantics as Update.
func (t *Translator) Incr(ctx context.Context, table string, key map[string]any, values map[string]int64, opts query.Options) error {
	avKey, err := attributevalue.MarshalMap(key)
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}

	upd := expression.UpdateBuilder{}
	for col, delta := range values {
		upd = upd.Add(expression.Name(col), expression.Value(delta))
	}

	cond, err := t.writeCondition(key, opts)
	if err != nil {
		return err
	}
	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("building incr: %w", err)
	}

	if opts.RateLimit {
		if err := t.writeBucket.Wait(ctx); err != nil {
			return err
		}
	}

	out, err := t.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       avKey,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		if isConditionFailed(err) {
			return query.ErrNotFound
		}
		return fmt.Errorf("incr %s: %w", table, err)
	}
	t.debitWrite(opts, out.ConsumedCapacity)
	return nil
}

// Delete removes a record and returns its prior state. An absent record, or
// a failed expectation, maps to query.ErrNotFound.
func (t *Translator) Delete(ctx context.Context, table string, key map[string]any, opts query.Options) (map[string]any, error) {
	avKey, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling key: %w", err)
	}

	cond, err := t.writeCondition(key, opts)
	if err != nil {
		return nil, err
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("building condition: %w", err)
	}

	if opts.RateLimit {
		if err := t.writeBucket.Wait(ctx); err != nil {
			return nil, err
		}
	}

	out, err := t.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(table),
		Key:                       avKey,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllOld,
		ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, query.ErrNotFound
		}
		return nil, fmt.Errorf("delete from %s: %w", table, err)
	}
	t.debitWrite(opts, out.ConsumedCapacity)

	if len(out.Attributes) == 0 {
		return nil, query.ErrNotFound
	}
	var prior map[string]any
	if err := attributevalue.UnmarshalMap(out.Attributes, &prior); err != nil {
		return nil, fmt.Errorf("unmarshaling prior state: %w", err)
	}
	return prior, nil
}

// writeCondition builds the optimistic-concurrency condition for a mutating
// call: the caller-supplied Expected predicate, or equality on the resolved
// primary key values when none was given.
func (t *Translator) writeCondition(key map[string]any, opts query.Options) (expression.ConditionBuilder, error) {
	expected := opts.Expected
	if expected == nil {
		expected = key
	}

	var cond expression.ConditionBuilder
	first := true
	for col, v := range expected {
		c := expression.Name(col).Equal(expression.Value(v))
		if first {
			cond = c
			first = false
		} else {
			cond = cond.And(c)
		}
	}
	if first {
		return expression.ConditionBuilder{}, fmt.Errorf("empty write condition")
	}
	return cond, nil
}
