package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Mirror writes a small push manifest per closure to an S3-compatible
// bucket so downstream consumers can discover what the cache holds without
// talking to Attic. Best-effort, same as the push itself.
type S3Mirror struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3Mirror creates an S3 mirror client.
func NewS3Mirror(ctx context.Context, bucket, region string, logger *slog.Logger) (*S3Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &S3Mirror{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		logger: logger,
	}, nil
}

// pushManifest is the document written per pushed closure.
type pushManifest struct {
	StorePath string    `json:"store_path"`
	Cache     string    `json:"cache"`
	PushedAt  time.Time `json:"pushed_at"`
}

// RecordPush uploads a manifest for a pushed store path. The object key is
// derived from the store hash.
func (m *S3Mirror) RecordPush(ctx context.Context, cacheName, storePath string) error {
	hash := extractStoreHash(storePath)
	if hash == "" {
		return fmt.Errorf("invalid store path: %s", storePath)
	}

	doc, err := json.Marshal(pushManifest{
		StorePath: storePath,
		Cache:     cacheName,
		PushedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling push manifest: %w", err)
	}

	key := fmt.Sprintf("manifests/%s.json", hash)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(string(doc)),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("uploading push manifest: %w", err)
	}

	m.logger.Debug("recorded push manifest", "bucket", m.bucket, "key", key)
	return nil
}
