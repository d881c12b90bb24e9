package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
)

// dynamoAPI is the subset of the DynamoDB client the manager uses.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoConfig configures the DynamoDB-backed lock manager.
type DynamoConfig struct {
	Table    string
	Region   string
	Endpoint string // optional, for DynamoDB-compatible stores
	Profile  string
}

// DynamoManager implements Manager on a DynamoDB table with LockID as
// the hash key. Mutual exclusion comes from conditional writes: the
// acquire PutItem only succeeds when no item exists or its lease has
// expired, so two racing operators can never both hold the lock.
type DynamoManager struct {
	db    dynamoAPI
	table string
	log   logr.Logger

	now func() time.Time
}

// NewDynamoManager builds a DynamoManager from AWS shared configuration.
func NewDynamoManager(ctx context.Context, cfg DynamoConfig, log logr.Logger) (*DynamoManager, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb lock manager requires a table")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newDynamoManager(client, cfg.Table, log), nil
}

func newDynamoManager(db dynamoAPI, table string, log logr.Logger) *DynamoManager {
	return &DynamoManager{db: db, table: table, log: log, now: time.Now}
}

// Acquire implements Manager.
func (m *DynamoManager) Acquire(ctx context.Context, key, holder string, lease time.Duration) (*Lock, error) {
	now := m.now()
	l := &Lock{
		Key:        key,
		Holder:     holder,
		ID:         newLockID(),
		AcquiredAt: now,
		Lease:      lease,
		ExpiresAt:  now.Add(lease),
	}

	_, err := m.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":     &dbtypes.AttributeValueMemberS{Value: key},
			"Holder":     &dbtypes.AttributeValueMemberS{Value: holder},
			"LockUUID":   &dbtypes.AttributeValueMemberS{Value: l.ID},
			"AcquiredAt": &dbtypes.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
			"ExpiresAt":  &dbtypes.AttributeValueMemberN{Value: unixMilli(l.ExpiresAt)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID) OR ExpiresAt < :now"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": &dbtypes.AttributeValueMemberN{Value: unixMilli(now)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, m.busyError(ctx, key)
		}
		return nil, fmt.Errorf("acquiring lock %q: %w", key, err)
	}

	m.log.V(1).Info("acquired lock", "key", key, "holder", holder, "lease", lease)
	return l, nil
}

// Renew implements Manager.
func (m *DynamoManager) Renew(ctx context.Context, l *Lock) (*Lock, error) {
	renewed := *l
	renewed.ExpiresAt = m.now().Add(l.Lease)

	_, err := m.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(m.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: l.Key},
		},
		ConditionExpression: aws.String("Holder = :holder AND LockUUID = :id"),
		UpdateExpression:    aws.String("SET ExpiresAt = :exp"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":holder": &dbtypes.AttributeValueMemberS{Value: l.Holder},
			":id":     &dbtypes.AttributeValueMemberS{Value: l.ID},
			":exp":    &dbtypes.AttributeValueMemberN{Value: unixMilli(renewed.ExpiresAt)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, ErrLockLost
		}
		return nil, fmt.Errorf("renewing lock %q: %w", l.Key, err)
	}
	return &renewed, nil
}

// Release implements Manager.
func (m *DynamoManager) Release(ctx context.Context, l *Lock) error {
	_, err := m.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(m.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: l.Key},
		},
		ConditionExpression: aws.String("Holder = :holder AND LockUUID = :id"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":holder": &dbtypes.AttributeValueMemberS{Value: l.Holder},
			":id":     &dbtypes.AttributeValueMemberS{Value: l.ID},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			// Already expired and reclaimed, or force-released.
			return nil
		}
		return fmt.Errorf("releasing lock %q: %w", l.Key, err)
	}
	m.log.V(1).Info("released lock", "key", l.Key, "holder", l.Holder)
	return nil
}

// ForceRelease implements Manager.
func (m *DynamoManager) ForceRelease(ctx context.Context, key string) error {
	_, err := m.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(m.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("force-releasing lock %q: %w", key, err)
	}
	return nil
}

// busyError reads the current lock record to tell the caller who holds
// it. Best effort: the record may vanish between the failed acquire and
// this read.
func (m *DynamoManager) busyError(ctx context.Context, key string) error {
	busy := &BusyError{Key: key, Holder: "unknown"}

	out, err := m.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(m.table),
		Key:            map[string]dbtypes.AttributeValue{"LockID": &dbtypes.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err == nil && out.Item != nil {
		if holder, ok := out.Item["Holder"].(*dbtypes.AttributeValueMemberS); ok {
			busy.Holder = holder.Value
		}
		if exp, ok := out.Item["ExpiresAt"].(*dbtypes.AttributeValueMemberN); ok {
			if ms, parseErr := strconv.ParseInt(exp.Value, 10, 64); parseErr == nil {
				busy.ExpiresAt = time.UnixMilli(ms)
			}
		}
	}
	return busy
}

func unixMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// isConditionalCheckFailed checks if a conditional write was rejected.
func isConditionalCheckFailed(err error) bool {
	if err == nil {
		return false
	}

	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ConditionalCheckFailedException"
	}
	return false
}
