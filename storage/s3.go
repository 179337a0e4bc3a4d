package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"enrollmentPipeline/retry"
)

// ErrUnavailable is returned once the retry budget for an operation is
// exhausted. The wrapped error carries the last underlying failure.
var ErrUnavailable = errors.New("object storage unavailable")

// ErrNotFound is returned by Get for keys that were never put.
var ErrNotFound = errors.New("object not found")

// api is the slice of the S3 client the gateway uses.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Gateway wraps durable object storage with retrying, content-addressed
// put/get/delete.
type Gateway struct {
	client api
	bucket string
	policy retry.Policy
	logger *zap.Logger
}

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
}

func NewGateway(ctx context.Context, cfg Config, policy retry.Policy, logger *zap.Logger) (*Gateway, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Gateway{
		client: client,
		bucket: cfg.Bucket,
		policy: policy,
		logger: logger,
	}, nil
}

func newGatewayWithAPI(client api, bucket string, policy retry.Policy, logger *zap.Logger) *Gateway {
	return &Gateway{client: client, bucket: bucket, policy: policy, logger: logger}
}

// Hash returns the hex content hash used for addressing.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// KeyFor derives the content-addressed storage key for the given bytes under
// a folder prefix. Identical content always maps to the same key, which is
// what makes Put naturally idempotent.
func KeyFor(folder string, data []byte) string {
	return folder + "/" + Hash(data) + ".jpg"
}

// Put writes data under its content-addressed key, retrying transient
// failures. A key that already exists short-circuits without re-uploading.
func (g *Gateway) Put(ctx context.Context, key string, data []byte) error {
	exists, err := g.exists(ctx, key)
	if err == nil && exists {
		g.logger.Debug("Object already stored", zap.String("key", key))
		return nil
	}

	err = g.policy.Do(ctx, func(ctx context.Context) error {
		_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(g.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("image/jpeg"),
		})
		return err
	})
	if err != nil {
		g.logger.Error("Put exhausted retry budget",
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}

	g.logger.Info("Object stored",
		zap.String("key", key),
		zap.Int("size", len(data)),
	)
	return nil
}

// Get fetches the object bytes for key, retrying transient failures. A
// missing key is permanent and is not retried.
func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	var notFound bool
	err := g.policy.Do(ctx, func(ctx context.Context) error {
		out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(g.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				notFound = true
				return nil
			}
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	if notFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, nil
}

// Delete removes the object for key. Deleting an absent key is a no-op
// success, matching S3 semantics.
func (g *Gateway) Delete(ctx context.Context, key string) error {
	err := g.policy.Do(ctx, func(ctx context.Context) error {
		_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(g.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Exists reports whether key has been durably committed. Used by
// reconciliation to confirm the upload step without re-reading the object.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := g.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		exists, err = g.exists(ctx, key)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: head %s: %v", ErrUnavailable, key, err)
	}
	return exists, nil
}

func (g *Gateway) exists(ctx context.Context, key string) (bool, error) {
	_, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	// HeadObject has no modeled NoSuchKey; it surfaces a bare NotFound.
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		(apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}
