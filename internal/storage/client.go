// Package storage provides blob storage for uploaded batches, result exports and
// rendered parcel images, backed by any S3-compatible service or a local directory.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when an object key does not exist
var ErrNotFound = errors.New("object not found")

// Store is the blob store surface used by the job engine and the image cache
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	ListOlderThan(ctx context.Context, prefix string, cutoff time.Time) ([]string, error)
	URL(key string) string
}

// Option configures an S3 client
type Option func(c *config)

type config struct {
	endpoint  string
	bucket    string
	accessKey string
	secretKey string
	publicURL string
	useSSL    bool
}

func WithEndpoint(endpoint string) Option {
	return func(c *config) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) Option {
	return func(c *config) {
		c.bucket = bucket
	}
}

func WithAccessKey(accessKey string) Option {
	return func(c *config) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) Option {
	return func(c *config) {
		c.secretKey = secretKey
	}
}

func WithSSL(useSSL bool) Option {
	return func(c *config) {
		c.useSSL = useSSL
	}
}

// WithPublicURL sets the base used when handing object URLs to clients, e.g. a CDN
func WithPublicURL(publicURL string) Option {
	return func(c *config) {
		c.publicURL = strings.TrimRight(publicURL, "/")
	}
}

// Client stores objects in an S3-compatible bucket
type Client struct {
	mc     *minio.Client
	bucket string
	base   string
}

// New creates an S3 client and makes sure the bucket exists
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	if cfg.endpoint == "" || cfg.bucket == "" {
		return nil, fmt.Errorf("storage endpoint and bucket are required")
	}

	mc, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.bucket, err)
		}
		log.Info().Str("bucket", cfg.bucket).Msg("Created storage bucket")
	}

	base := cfg.publicURL
	if base == "" {
		base = fmt.Sprintf("%s/%s", strings.TrimRight(mc.EndpointURL().String(), "/"), cfg.bucket)
	}

	return &Client{mc: mc, bucket: cfg.bucket, base: base}, nil
}

// Upload writes data under key, overwriting any existing object, and returns its URL
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return c.URL(key), nil
}

// Open streams an object. Callers must close the reader.
func (c *Client) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}

	// GetObject is lazy; Stat surfaces a missing key
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	return obj, nil
}

// Exists reports whether an object is present under key
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", key, err)
}

// Delete removes an object. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ListOlderThan returns the keys under prefix last modified before cutoff
func (c *Client) ListOlderThan(ctx context.Context, prefix string, cutoff time.Time) ([]string, error) {
	var keys []string
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return keys, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		if obj.LastModified.Before(cutoff) {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

// URL returns the client-facing URL of key
func (c *Client) URL(key string) string {
	return c.base + "/" + key
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
