package dynamostore_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qubitcloud/cost-guard/internal/ledger"
	"github.com/qubitcloud/cost-guard/internal/money"
	"github.com/qubitcloud/cost-guard/internal/storage/dynamostore"
)

var testTables = dynamostore.Tables{
	Tasks: "quantum-tasks",
	Bins:  "cost-bins",
	Dedup: "aggregated-tasks",
}

// fakeDynamo emulates the request shapes the store issues: gated
// UpdateItem on the tasks table, and the claim-plus-bin-adds transaction
// with its atomicity (an injected failure rolls the whole request back).
type fakeDynamo struct {
	tasks    map[string]map[string]types.AttributeValue
	bins     map[string]int64
	dedup    map[string]bool
	failBins map[string]error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		tasks:    make(map[string]map[string]types.AttributeValue),
		bins:     make(map[string]int64),
		dedup:    make(map[string]bool),
		failBins: make(map[string]error),
	}
}

// conditionAttr pulls X out of "attribute_not_exists(X)".
func conditionAttr(expr string) string {
	inner := strings.TrimSuffix(strings.TrimPrefix(expr, "attribute_not_exists("), ")")
	return inner
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if aws.ToString(in.TableName) != testTables.Tasks {
		return nil, &types.ResourceNotFoundException{}
	}
	return f.updateTask(in)
}

func (f *fakeDynamo) updateTask(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
	taskID := in.Key["task_id"].(*types.AttributeValueMemberS).Value
	item := f.tasks[taskID]
	if gate := conditionAttr(aws.ToString(in.ConditionExpression)); item != nil {
		if _, exists := item[gate]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	if item == nil {
		item = make(map[string]types.AttributeValue)
		f.tasks[taskID] = item
	}
	names := in.ExpressionAttributeNames
	for _, assign := range strings.Split(strings.TrimPrefix(aws.ToString(in.UpdateExpression), "SET "), ", ") {
		lhs, rhs, _ := strings.Cut(assign, " = ")
		if resolved, ok := names[lhs]; ok {
			lhs = resolved
		}
		item[lhs] = in.ExpressionAttributeValues[rhs]
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	put := in.TransactItems[0].Put
	taskID := put.Item["task_id"].(*types.AttributeValueMemberS).Value
	if f.dedup[taskID] {
		return nil, &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{
				{Code: aws.String("ConditionalCheckFailed")},
			},
		}
	}

	// All-or-nothing: an injected bin failure rejects the whole request
	// before anything is applied.
	updates := in.TransactItems[1:]
	for _, item := range updates {
		bin := item.Update.Key["bin"].(*types.AttributeValueMemberS).Value
		if err, ok := f.failBins[bin]; ok {
			delete(f.failBins, bin)
			return nil, err
		}
	}

	f.dedup[taskID] = true
	for _, item := range updates {
		bin := item.Update.Key["bin"].(*types.AttributeValueMemberS).Value
		add, err := strconv.ParseInt(item.Update.ExpressionAttributeValues[":task_cost"].(*types.AttributeValueMemberN).Value, 10, 64)
		if err != nil {
			return nil, err
		}
		f.bins[bin] += add
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if aws.ToString(in.TableName) == testTables.Bins {
		bin := in.Key["bin"].(*types.AttributeValueMemberS).Value
		if _, ok := f.bins[bin]; !ok {
			return &dynamodb.GetItemOutput{}, nil
		}
		return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
			"cost_micros": &types.AttributeValueMemberN{Value: strconv.FormatInt(f.bins[bin], 10)},
		}}, nil
	}
	taskID := in.Key["task_id"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.tasks[taskID]}, nil
}

func TestPutIdentity_Gate(t *testing.T) {
	fake := newFakeDynamo()
	store := dynamostore.New(fake, testTables)
	ctx := context.Background()
	created := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutIdentity(ctx, "t1", created, "alice", "dev-1"))
	err := store.PutIdentity(ctx, "t1", created, "mallory", "dev-1")
	require.ErrorIs(t, err, ledger.ErrAlreadyRecorded)

	rec, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.UserIdentity)
	assert.Equal(t, created, rec.CreationTime)
	assert.False(t, rec.Costed())
}

func TestPutCost_Gate(t *testing.T) {
	fake := newFakeDynamo()
	store := dynamostore.New(fake, testTables)
	ctx := context.Background()
	exec := time.Date(2024, 3, 10, 10, 5, 0, 0, time.UTC)
	expiry := exec.Add(90 * 24 * time.Hour)

	require.NoError(t, store.PutCost(ctx, "t1", exec, "dev-1", 100, money.MustParseUSD("12.50"), expiry))
	err := store.PutCost(ctx, "t1", exec, "dev-1", 100, money.MustParseUSD("99.99"), expiry)
	require.ErrorIs(t, err, ledger.ErrAlreadyRecorded)

	rec, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, rec.Costed())
	assert.Equal(t, money.MustParseUSD("12.50"), *rec.Cost)
	assert.Equal(t, int64(100), rec.Shots)
	assert.Equal(t, expiry, rec.Expiry)
}

func TestGet_Unknown(t *testing.T) {
	store := dynamostore.New(newFakeDynamo(), testTables)
	rec, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAddCosted_ClaimDeduplicates(t *testing.T) {
	fake := newFakeDynamo()
	store := dynamostore.New(fake, testTables)
	ctx := context.Background()
	exec := time.Date(2024, 3, 10, 10, 5, 0, 0, time.UTC)
	bins := []string{"all_time", "2024-03"}

	totals, applied, err := store.AddCosted(ctx, "t1", bins, money.MustParseUSD("12.50"), exec)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, money.MustParseUSD("12.50"), totals["all_time"])
	assert.Equal(t, money.MustParseUSD("12.50"), totals["2024-03"])

	totals, applied, err = store.AddCosted(ctx, "t1", bins, money.MustParseUSD("12.50"), exec)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Nil(t, totals)
	assert.Equal(t, int64(12_500_000), fake.bins["all_time"])

	_, applied, err = store.AddCosted(ctx, "t2", bins, money.MustParseUSD("0.50"), exec)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, int64(13_000_000), fake.bins["all_time"])
}

func TestAddCosted_TransientFailureThenRedelivery(t *testing.T) {
	fake := newFakeDynamo()
	store := dynamostore.New(fake, testTables)
	ctx := context.Background()
	exec := time.Date(2024, 3, 10, 10, 5, 0, 0, time.UTC)
	bins := []string{"all_time", "2024-03", "2024-03_alice", "2024-03_dev-1"}

	// One bin add fails transiently mid-aggregation. Nothing may commit:
	// a claim surviving the failure would make redelivery a no-op and the
	// other bins would never receive the cost.
	fake.failBins["2024-03"] = errors.New("throughput exceeded")
	_, applied, err := store.AddCosted(ctx, "t1", bins, money.MustParseUSD("12.50"), exec)
	require.Error(t, err)
	assert.False(t, applied)
	assert.Empty(t, fake.dedup)
	for _, bin := range bins {
		assert.Zero(t, fake.bins[bin], "bin %s", bin)
	}

	// Redelivery starts clean and lands the full aggregation.
	totals, applied, err := store.AddCosted(ctx, "t1", bins, money.MustParseUSD("12.50"), exec)
	require.NoError(t, err)
	require.True(t, applied)
	for _, bin := range bins {
		assert.Equal(t, money.MustParseUSD("12.50"), totals[bin], "bin %s", bin)
		assert.Equal(t, int64(12_500_000), fake.bins[bin], "bin %s", bin)
	}

	// And a further redelivery after success is still a no-op.
	_, applied, err = store.AddCosted(ctx, "t1", bins, money.MustParseUSD("12.50"), exec)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(12_500_000), fake.bins["all_time"])
}
