// Package s3 implements an S3-backed block image.
//
// The image is stored chunk-per-object: pkg/image/chunked splits IO into
// fixed-size chunks and this package moves whole chunk objects with
// GetObject and PutObject. Missing objects read as zeroes, so a sparse
// image only stores written chunks.
//
// Transient S3 failures (throttling, 5xx, connection resets) are retried
// with exponential backoff; writeback in the layer above additionally
// retries whole entries, so the two compose into at-least-once delivery.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/marmos91/pwlog/internal/logger"
	"github.com/marmos91/pwlog/pkg/image"
	"github.com/marmos91/pwlog/pkg/image/chunked"
)

// Config holds S3 image configuration.
type Config struct {
	// Client is the configured S3 client.
	Client *s3.Client

	// Bucket is the S3 bucket name. Must exist.
	Bucket string

	// KeyPrefix namespaces this image's chunk objects.
	// Example: "images/vm-17/".
	KeyPrefix string

	// Size is the image size in bytes.
	Size uint64

	// ChunkSize is the chunk object size; defaults to
	// chunked.DefaultChunkSize.
	ChunkSize uint64

	// MaxRetries is the retry budget for transient errors (default: 3).
	MaxRetries uint

	// InitialBackoff is the first retry delay (default: 100ms); doubled
	// up to MaxBackoff (default: 2s) on each attempt.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// NewClientFromConfig creates an S3 client from flat configuration
// parameters, for wiring from YAML config.
func NewClientFromConfig(ctx context.Context, endpoint, region, accessKeyID, secretAccessKey string, forcePathStyle bool) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"",
		)))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// New creates an S3-backed image. The bucket must already exist; access
// is not checked until the first IO.
func New(cfg Config) (image.Image, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	store := &objectStore{
		client:         cfg.Client,
		bucket:         cfg.Bucket,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
	if store.maxRetries == 0 {
		store.maxRetries = 3
	}
	if store.initialBackoff == 0 {
		store.initialBackoff = 100 * time.Millisecond
	}
	if store.maxBackoff == 0 {
		store.maxBackoff = 2 * time.Second
	}

	return chunked.New(store, chunked.Config{
		Size:      cfg.Size,
		ChunkSize: cfg.ChunkSize,
		KeyPrefix: cfg.KeyPrefix,
	}), nil
}

// objectStore implements chunked.Store over an S3 bucket.
type objectStore struct {
	client         *s3.Client
	bucket         string
	maxRetries     uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func (st *objectStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	var found bool

	err := st.withRetry(ctx, "GetObject", key, func() error {
		out, err := st.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(st.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				found = false
				return nil
			}
			return err
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

func (st *objectStore) Put(ctx context.Context, key string, data []byte) error {
	return st.withRetry(ctx, "PutObject", key, func() error {
		_, err := st.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(st.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

func (st *objectStore) Delete(ctx context.Context, key string) error {
	return st.withRetry(ctx, "DeleteObject", key, func() error {
		_, err := st.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(st.bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// Flush is a no-op: S3 puts are durable on completion.
func (st *objectStore) Flush(ctx context.Context) error { return nil }

func (st *objectStore) Close(ctx context.Context) error { return nil }

// withRetry runs op with exponential backoff on transient errors.
func (st *objectStore) withRetry(ctx context.Context, opName, key string, op func() error) error {
	backoff := st.initialBackoff

	var err error
	for attempt := uint(0); ; attempt++ {
		err = op()
		if err == nil || !isRetryableError(err) || attempt >= st.maxRetries {
			break
		}

		logger.Warn("S3 operation failed, retrying",
			logger.KeyOp, opName,
			logger.KeyKey, key,
			logger.KeyBucket, st.bucket,
			logger.KeyAttempt, attempt+1,
			logger.KeyMaxRetries, st.maxRetries,
			logger.KeyError, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, st.maxBackoff)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", opName, key, err)
	}
	return nil
}

// isNotFound reports whether err is a missing-object error.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// isRetryableError returns true if the error is transient and the
// operation should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network errors are retryable when they are timeouts
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	// Check for AWS API errors
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()

		// Throttling errors - retryable
		if code == "Throttling" || code == "ThrottlingException" ||
			code == "RequestThrottled" || code == "SlowDown" {
			return true
		}

		// Server errors (5xx) - retryable
		if code == "InternalError" || code == "ServiceUnavailable" {
			return true
		}

		// Not found, access denied, invalid request - not retryable
		if code == "NoSuchKey" || code == "NotFound" ||
			code == "AccessDenied" || code == "Forbidden" {
			return false
		}
	}

	// Check error message for common patterns
	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500")
}
