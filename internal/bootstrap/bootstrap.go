// Package bootstrap provisions the backend infrastructure a workspace
// needs before its first apply: the versioned S3 state bucket and the
// DynamoDB lock table. Provisioning is idempotent; resources that
// already exist are left alone.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"

	"github.com/imamik/converge/internal/config"
)

// s3API is the subset of the S3 client the bootstrapper uses.
type s3API interface {
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketVersioning(ctx context.Context, in *s3.PutBucketVersioningInput, opts ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
}

// dynamoAPI is the subset of the DynamoDB client the bootstrapper uses.
type dynamoAPI interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Bootstrapper provisions backend infrastructure.
type Bootstrapper struct {
	s3     s3API
	dynamo dynamoAPI
	log    logr.Logger
}

// New builds a Bootstrapper from AWS shared configuration, honoring the
// backend's region, profile and custom endpoint settings.
func New(ctx context.Context, backend config.BackendConfig, log logr.Logger) (*Bootstrapper, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if backend.Region != "" {
		opts = append(opts, awsconfig.WithRegion(backend.Region))
	}
	if backend.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(backend.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if backend.Endpoint != "" {
			o.BaseEndpoint = aws.String(backend.Endpoint)
		}
		o.UsePathStyle = backend.ForcePathStyle
	})
	ddbClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if backend.Endpoint != "" {
			o.BaseEndpoint = aws.String(backend.Endpoint)
		}
	})

	return newBootstrapper(s3Client, ddbClient, log), nil
}

func newBootstrapper(s3Client s3API, dynamoClient dynamoAPI, log logr.Logger) *Bootstrapper {
	return &Bootstrapper{s3: s3Client, dynamo: dynamoClient, log: log}
}

// Provision creates the state bucket with versioning enabled and the
// lock table. Safe to run repeatedly.
func (b *Bootstrapper) Provision(ctx context.Context, backend config.BackendConfig) error {
	if backend.Type != config.BackendS3 {
		return fmt.Errorf("bootstrap only applies to the s3 backend, got %q", backend.Type)
	}

	if err := b.ensureBucket(ctx, backend.Bucket, backend.Region); err != nil {
		return err
	}
	if err := b.enableVersioning(ctx, backend.Bucket); err != nil {
		return err
	}
	return b.ensureLockTable(ctx, backend.LockTable)
}

// ensureBucket creates the bucket. An existing bucket owned by us is
// fine.
func (b *Bootstrapper) ensureBucket(ctx context.Context, bucket, region string) error {
	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	}
	// us-east-1 is the one region that must not carry a location
	// constraint.
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}

	_, err := b.s3.CreateBucket(ctx, input)
	if err != nil {
		if isBucketAlreadyOwnedByYou(err) {
			b.log.Info("state bucket already exists", "bucket", bucket)
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	b.log.Info("created state bucket", "bucket", bucket)
	return nil
}

// enableVersioning turns bucket versioning on so every written state
// document stays retrievable. Enabling versioning on an already
// versioned bucket is a no-op on the S3 side.
func (b *Bootstrapper) enableVersioning(ctx context.Context, bucket string) error {
	_, err := b.s3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(bucket),
		VersioningConfiguration: &s3types.VersioningConfiguration{
			Status: s3types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enable versioning on bucket %s: %w", bucket, err)
	}
	return nil
}

// ensureLockTable creates the lock table keyed on LockID. An existing
// table is fine.
func (b *Bootstrapper) ensureLockTable(ctx context.Context, table string) error {
	_, err := b.dynamo.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{
				AttributeName: aws.String("LockID"),
				AttributeType: ddbtypes.ScalarAttributeTypeS,
			},
		},
		KeySchema: []ddbtypes.KeySchemaElement{
			{
				AttributeName: aws.String("LockID"),
				KeyType:       ddbtypes.KeyTypeHash,
			},
		},
		BillingMode: ddbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		if isTableAlreadyExists(err) {
			b.log.Info("lock table already exists", "table", table)
			return nil
		}
		return fmt.Errorf("failed to create lock table %s: %w", table, err)
	}
	b.log.Info("created lock table", "table", table)
	return nil
}

// isBucketAlreadyOwnedByYou checks if the error indicates the bucket
// exists and is owned by us.
func isBucketAlreadyOwnedByYou(err error) bool {
	if err == nil {
		return false
	}

	var baoby *s3types.BucketAlreadyOwnedByYou
	if errors.As(err, &baoby) {
		return true
	}
	var bae *s3types.BucketAlreadyExists
	if errors.As(err, &bae) {
		return true
	}

	// Fall back to API error codes for S3-compatible services that do
	// not return the exact SDK error types.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists"
	}
	return false
}

// isTableAlreadyExists checks if the error indicates the table exists.
func isTableAlreadyExists(err error) bool {
	if err == nil {
		return false
	}

	var riu *ddbtypes.ResourceInUseException
	if errors.As(err, &riu) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ResourceInUseException"
	}
	return false
}
