package lock

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logr.Logger {
	return logr.Discard()
}

// fakeDynamo implements dynamoAPI with real conditional-expression
// semantics for the three expressions the manager uses.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]dbtypes.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]dbtypes.AttributeValue)}
}

func itemString(item map[string]dbtypes.AttributeValue, attr string) string {
	if v, ok := item[attr].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func itemNumber(item map[string]dbtypes.AttributeValue, attr string) int64 {
	if v, ok := item[attr].(*dbtypes.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func exprNumber(values map[string]dbtypes.AttributeValue, name string) int64 {
	if v, ok := values[name].(*dbtypes.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func exprString(values map[string]dbtypes.AttributeValue, name string) string {
	if v, ok := values[name].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := itemString(in.Item, "LockID")
	existing, exists := f.items[key]
	if exists {
		// attribute_not_exists(LockID) OR ExpiresAt < :now
		if itemNumber(existing, "ExpiresAt") >= exprNumber(in.ExpressionAttributeValues, ":now") {
			return nil, &dbtypes.ConditionalCheckFailedException{}
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := itemString(in.Key, "LockID")
	existing, ok := f.items[key]
	if !ok ||
		itemString(existing, "Holder") != exprString(in.ExpressionAttributeValues, ":holder") ||
		itemString(existing, "LockUUID") != exprString(in.ExpressionAttributeValues, ":id") {
		return nil, &dbtypes.ConditionalCheckFailedException{}
	}
	existing["ExpiresAt"] = in.ExpressionAttributeValues[":exp"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := itemString(in.Key, "LockID")
	if in.ConditionExpression != nil {
		existing, ok := f.items[key]
		if !ok ||
			itemString(existing, "Holder") != exprString(in.ExpressionAttributeValues, ":holder") ||
			itemString(existing, "LockUUID") != exprString(in.ExpressionAttributeValues, ":id") {
			return nil, &dbtypes.ConditionalCheckFailedException{}
		}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := itemString(in.Key, "LockID")
	item, ok := f.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func newTestDynamoManager() *DynamoManager {
	return newDynamoManager(newFakeDynamo(), "converge-locks", testLogger())
}

func TestDynamoManager_AcquireBusyRelease(t *testing.T) {
	ctx := context.Background()
	mgr := newTestDynamoManager()

	l, err := mgr.Acquire(ctx, "prod/state", "operator-a", time.Minute)
	require.NoError(t, err)

	_, err = mgr.Acquire(ctx, "prod/state", "operator-b", time.Minute)
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "operator-a", busy.Holder)
	assert.False(t, busy.ExpiresAt.IsZero())

	require.NoError(t, mgr.Release(ctx, l))

	_, err = mgr.Acquire(ctx, "prod/state", "operator-b", time.Minute)
	assert.NoError(t, err)
}

func TestDynamoManager_RacingAcquires(t *testing.T) {
	ctx := context.Background()
	mgr := newTestDynamoManager()

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Acquire(ctx, "prod/state", "racer", time.Minute); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDynamoManager_ExpiredLeaseReclaim(t *testing.T) {
	ctx := context.Background()
	mgr := newTestDynamoManager()

	now := time.Now()
	mgr.now = func() time.Time { return now }

	stale, err := mgr.Acquire(ctx, "prod/state", "crashed", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	_, err = mgr.Acquire(ctx, "prod/state", "operator-b", time.Minute)
	require.NoError(t, err)

	_, err = mgr.Renew(ctx, stale)
	assert.ErrorIs(t, err, ErrLockLost)
	assert.NoError(t, mgr.Release(ctx, stale))
}

func TestDynamoManager_RenewKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	mgr := newTestDynamoManager()

	l, err := mgr.Acquire(ctx, "prod/state", "operator-a", time.Minute)
	require.NoError(t, err)

	renewed, err := mgr.Renew(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, l.ID, renewed.ID)
	assert.True(t, renewed.ExpiresAt.After(l.AcquiredAt))

	// A renew with a stale lock identity must fail.
	forged := *l
	forged.ID = "someone-else"
	_, err = mgr.Renew(ctx, &forged)
	assert.ErrorIs(t, err, ErrLockLost)
}

func TestDynamoManager_ForceRelease(t *testing.T) {
	ctx := context.Background()
	mgr := newTestDynamoManager()

	_, err := mgr.Acquire(ctx, "prod/state", "operator-a", time.Hour)
	require.NoError(t, err)

	require.NoError(t, mgr.ForceRelease(ctx, "prod/state"))

	_, err = mgr.Acquire(ctx, "prod/state", "operator-b", time.Minute)
	assert.NoError(t, err)
}
