// Package dynamostore backs the task ledger and cost bins with DynamoDB.
//
// DESIGN: The write-once gates are ConditionExpressions
// (attribute_not_exists), so every ledger write stays a single atomic
// request. Aggregation commits the dedup claim and all bin adds in one
// TransactWriteItems request: either the claim and every
// if_not_exists(cost, 0) + :c add land together, or nothing does and
// redelivery starts clean. The claim is needed because the change feed
// reaching this process is at-least-once HTTP delivery rather than a
// once-per-change stream.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/qubitcloud/cost-guard/internal/ledger"
	"github.com/qubitcloud/cost-guard/internal/money"
)

// TTLAttributeName is the table attribute DynamoDB expires records on.
const TTLAttributeName = "task_ttl"

// Client is the subset of the DynamoDB API the store uses.
type Client interface {
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Tables names the three tables the store writes.
type Tables struct {
	Tasks string
	Bins  string
	Dedup string
}

// Store implements ledger.TaskStore and aggregator.BinStore on DynamoDB.
type Store struct {
	client Client
	tables Tables
}

// New builds a Store.
func New(client Client, tables Tables) *Store {
	return &Store{client: client, tables: tables}
}

// PutIdentity sets identity fields gated on user_identity not existing.
func (s *Store) PutIdentity(ctx context.Context, taskID string, eventTime time.Time, userIdentity, deviceID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.Tasks),
		Key:       taskKey(taskID),
		UpdateExpression: aws.String(
			"SET user_identity = :user_identity, device_id = :device_id, task_creation = :task_creation"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":user_identity": &types.AttributeValueMemberS{Value: userIdentity},
			":device_id":     &types.AttributeValueMemberS{Value: deviceID},
			":task_creation": &types.AttributeValueMemberS{Value: eventTime.UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(user_identity)"),
	})
	return gateError("put identity", err)
}

// PutCost sets cost fields gated on cost_micros not existing.
func (s *Store) PutCost(ctx context.Context, taskID string, eventTime time.Time, deviceID string, shots int64, cost money.Amount, expiry time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.Tasks),
		Key:       taskKey(taskID),
		UpdateExpression: aws.String(
			"SET task_execution = :task_execution, device_id = :device_id, shots = :shots, cost_micros = :cost, #ttl = :task_ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": TTLAttributeName,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":task_execution": &types.AttributeValueMemberS{Value: eventTime.UTC().Format(time.RFC3339Nano)},
			":device_id":      &types.AttributeValueMemberS{Value: deviceID},
			":shots":          &types.AttributeValueMemberN{Value: strconv.FormatInt(shots, 10)},
			":cost":           &types.AttributeValueMemberN{Value: strconv.FormatInt(cost.Micros(), 10)},
			":task_ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(expiry.Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(cost_micros)"),
	})
	return gateError("put cost", err)
}

func gateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ledger.ErrAlreadyRecorded
	}
	return fmt.Errorf("dynamostore: %s: %w", op, err)
}

// Get reads a task record; unknown tasks return (nil, nil).
func (s *Store) Get(ctx context.Context, taskID string) (*ledger.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Tasks),
		Key:            taskKey(taskID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: get %s: %w", taskID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var item struct {
		UserIdentity  string `dynamodbav:"user_identity"`
		DeviceID      string `dynamodbav:"device_id"`
		TaskCreation  string `dynamodbav:"task_creation"`
		TaskExecution string `dynamodbav:"task_execution"`
		Shots         int64  `dynamodbav:"shots"`
		CostMicros    *int64 `dynamodbav:"cost_micros"`
		TaskTTL       int64  `dynamodbav:"task_ttl"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("dynamostore: unmarshal %s: %w", taskID, err)
	}

	rec := &ledger.Record{
		TaskID:       taskID,
		UserIdentity: item.UserIdentity,
		DeviceID:     item.DeviceID,
		Shots:        item.Shots,
	}
	if item.TaskCreation != "" {
		rec.CreationTime, _ = time.Parse(time.RFC3339Nano, item.TaskCreation)
	}
	if item.TaskExecution != "" {
		rec.ExecutionTime, _ = time.Parse(time.RFC3339Nano, item.TaskExecution)
	}
	if item.CostMicros != nil {
		c := money.FromMicros(*item.CostMicros)
		rec.Cost = &c
	}
	if item.TaskTTL != 0 {
		rec.Expiry = time.Unix(item.TaskTTL, 0).UTC()
	}
	return rec, nil
}

// AddCosted claims the task id in the dedup table and folds the cost into
// every bin as one TransactWriteItems request. The transaction means a
// transient bin-add failure rolls the claim back with it, so redelivery
// repeats the whole aggregation instead of finding a claim whose bin adds
// never landed. A claim that already exists cancels the transaction, which
// maps to applied=false.
func (s *Store) AddCosted(ctx context.Context, taskID string, bins []string, cost money.Amount, executionTime time.Time) (map[string]money.Amount, bool, error) {
	execStr := executionTime.UTC().Format(time.RFC3339Nano)

	items := make([]types.TransactWriteItem, 0, len(bins)+1)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.tables.Dedup),
			Item: map[string]types.AttributeValue{
				"task_id":        &types.AttributeValueMemberS{Value: taskID},
				"task_execution": &types.AttributeValueMemberS{Value: execStr},
			},
			ConditionExpression: aws.String("attribute_not_exists(task_id)"),
		},
	})
	for _, bin := range bins {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(s.tables.Bins),
				Key: map[string]types.AttributeValue{
					"bin": &types.AttributeValueMemberS{Value: bin},
				},
				UpdateExpression: aws.String(
					"SET cost_micros = if_not_exists(cost_micros, :initial_cost) + :task_cost, last_task_execution = :task_execution"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":task_cost":      &types.AttributeValueMemberN{Value: strconv.FormatInt(cost.Micros(), 10)},
					":initial_cost":   &types.AttributeValueMemberN{Value: "0"},
					":task_execution": &types.AttributeValueMemberS{Value: execStr},
				},
			},
		})
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if claimExists(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("dynamostore: aggregate task %s: %w", taskID, err)
	}

	// Transactions cannot return updated values, so the new totals are read
	// back afterwards. Totals only grow; a concurrent add slipping in before
	// the read just makes the reported total fresher.
	totals := make(map[string]money.Amount, len(bins))
	for _, bin := range bins {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tables.Bins),
			Key: map[string]types.AttributeValue{
				"bin": &types.AttributeValueMemberS{Value: bin},
			},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return nil, false, fmt.Errorf("dynamostore: read bin %s: %w", bin, err)
		}
		total, err := numberAttr(out.Item, "cost_micros")
		if err != nil {
			return nil, false, fmt.Errorf("dynamostore: bin %s: %w", bin, err)
		}
		totals[bin] = money.FromMicros(total)
	}
	return totals, true, nil
}

// claimExists reports whether the transaction was cancelled because the
// dedup claim already existed. The claim is the first transact item, so
// its cancellation reason distinguishes a duplicate delivery from
// contention or throttling, which stay errors for redelivery.
func claimExists(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || len(tce.CancellationReasons) == 0 {
		return false
	}
	return aws.ToString(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

func taskKey(taskID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"task_id": &types.AttributeValueMemberS{Value: taskID},
	}
}

func numberAttr(attrs map[string]types.AttributeValue, name string) (int64, error) {
	av, ok := attrs[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %s missing or not a number", name)
	}
	return strconv.ParseInt(av.Value, 10, 64)
}
