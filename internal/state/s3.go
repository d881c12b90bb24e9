package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
)

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3-backed store.
type S3Config struct {
	Bucket         string
	Key            string
	Region         string
	Endpoint       string // optional, for S3-compatible object stores
	Profile        string // optional shared-config profile
	ForcePathStyle bool   // required by most S3-compatible endpoints
}

// S3Store persists the state document as a single object in a versioned
// bucket. Optimistic concurrency is enforced with conditional PUTs: the
// first write uses If-None-Match, subsequent writes use If-Match against
// the ETag observed on the last read, so two racing writers can never
// both succeed. Bucket versioning keeps every prior document retrievable.
type S3Store struct {
	client s3API
	bucket string
	key    string
	log    logr.Logger

	mu   sync.Mutex
	etag *string // ETag of the version this process last read or wrote
}

// NewS3Store builds an S3Store from AWS shared configuration.
func NewS3Store(ctx context.Context, cfg S3Config, log logr.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 state store requires a bucket")
	}
	if cfg.Key == "" {
		cfg.Key = "converge/state.json"
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

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return newS3Store(client, cfg.Bucket, cfg.Key, log), nil
}

func newS3Store(client s3API, bucket, key string, log logr.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key, log: log}
}

// Read implements Store. A missing object yields an empty document with
// serial 0.
func (s *S3Store) Read(ctx context.Context) (*Document, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			s.mu.Lock()
			s.etag = nil
			s.mu.Unlock()
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("reading state from s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading state object body: %w", err)
	}

	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("state object s3://%s/%s: %w", s.bucket, s.key, err)
	}

	s.mu.Lock()
	s.etag = out.ETag
	s.mu.Unlock()

	s.log.V(1).Info("read state", "serial", doc.Serial, "resources", len(doc.Resources))
	return doc, nil
}

// WriteIfSerialMatches implements Store.
func (s *S3Store) WriteIfSerialMatches(ctx context.Context, doc *Document, expectedSerial uint64) (uint64, error) {
	next := doc.Clone()
	next.Serial = expectedSerial + 1

	data, err := next.Encode()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	etag := s.etag
	s.mu.Unlock()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	}
	if etag != nil {
		input.IfMatch = etag
	} else {
		// First write: only succeed if nobody created the object since
		// our read.
		input.IfNoneMatch = aws.String("*")
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			actual, readErr := s.Read(ctx)
			if readErr != nil {
				return 0, fmt.Errorf("state write conflict on s3://%s/%s (re-read failed: %v)", s.bucket, s.key, readErr)
			}
			return 0, &StaleWriteError{Expected: expectedSerial, Actual: actual.Serial}
		}
		return 0, fmt.Errorf("writing state to s3://%s/%s: %w", s.bucket, s.key, err)
	}

	s.mu.Lock()
	s.etag = out.ETag
	s.mu.Unlock()

	s.log.V(1).Info("wrote state", "serial", next.Serial)
	return next.Serial, nil
}

// isNoSuchKey checks if the error indicates a missing object.
func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}

	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Fall back to API error codes for S3-compatible services that do
	// not return the exact SDK error types.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}

// isPreconditionFailed checks if a conditional PUT lost its race.
func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return false
}
