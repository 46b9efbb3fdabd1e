// Package objstore uploads finished track files to S3-compatible object
// storage, organized under a year/month/day key layout.
package objstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds object storage connection settings. Endpoint is host:port;
// any S3-compatible service works.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// Client uploads track files to a single bucket.
type Client struct {
	mc     *minio.Client
	bucket string
	prefix string
}

// New connects to object storage and verifies the bucket exists.
func New(ctx context.Context, cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("open object storage: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q not found", cfg.Bucket)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "trips"
	}
	return &Client{mc: mc, bucket: cfg.Bucket, prefix: prefix}, nil
}

// EnsureBucket creates the configured bucket if it does not exist yet.
func EnsureBucket(ctx context.Context, cfg Config) error {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return fmt.Errorf("open object storage: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Upload stores a local track file under the date-partitioned key for
// tripDate and returns the object key.
func (c *Client) Upload(ctx context.Context, localPath string, tripDate time.Time) (string, error) {
	key := objectKey(c.prefix, tripDate, filepath.Base(localPath))

	_, err := c.mc.FPutObject(ctx, c.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// Exists reports whether an object key is present in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes an object from the bucket.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
}

// List returns up to max object keys under the given key prefix.
func (c *Client) List(ctx context.Context, prefix string, max int) ([]string, error) {
	var keys []string
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		keys = append(keys, obj.Key)
		if max > 0 && len(keys) >= max {
			break
		}
	}
	return keys, nil
}

// DayPrefix returns the key prefix holding all uploads for one day.
func (c *Client) DayPrefix(t time.Time) string {
	return fmt.Sprintf("%s/%s/", c.prefix, t.Format("2006/01/02"))
}

// URI returns the s3:// form of an object key for logs and audit rows.
func (c *Client) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, key)
}

// objectKey builds the date-partitioned key for an uploaded file.
func objectKey(prefix string, t time.Time, filename string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, t.Format("2006/01/02"), filename)
}
