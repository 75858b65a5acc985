// Package s3 stores element content in an S3-compatible bucket through
// minio-go. Read URLs are presigned.
package s3

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
)

// DefaultURLExpiry bounds presigned read URLs when no expiry is configured.
const DefaultURLExpiry = time.Hour

type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	URLExpiry time.Duration
}

// Client implements ports.StorageClient on a bucket.
type Client struct {
	client *minio.Client
	bucket string
	region string
	expiry time.Duration
	logger *slog.Logger
}

var (
	_ ports.StorageClient  = (*Client)(nil)
	_ ports.FileDownloader = (*Client)(nil)
)

func newClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, domain.ErrConfig("s3 endpoint and bucket are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindConfig, "create s3 client", err)
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = DefaultURLExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{client: mc, bucket: cfg.Bucket, region: cfg.Region, expiry: cfg.URLExpiry, logger: logger}, nil
}

// New connects to the endpoint and makes sure the bucket exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	c, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := c.ensureBucket(ctx); err != nil {
		return nil, err
	}
	c.logger.Info("storage initialized",
		slog.String("type", "s3"),
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
	)
	return c, nil
}

func (c *Client) ensureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return domain.Wrap(domain.KindConfig, "check bucket", err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		// Managed S3 often denies bucket creation to application keys.
		c.logger.Warn("could not create bucket",
			slog.String("bucket", c.bucket),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (c *Client) exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.client.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) UploadFile(ctx context.Context, objectKey string, data []byte, mime string, overwrite bool, contentDisposition string) (*ports.UploadResult, error) {
	if !overwrite {
		exists, err := c.exists(ctx, objectKey)
		if err != nil {
			return nil, domain.Wrap(domain.KindPersistence, "stat object", err)
		}
		if exists {
			return nil, domain.ErrInvalidRequest("object already exists: " + objectKey)
		}
	}
	_, err := c.client.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:        mime,
		ContentDisposition: contentDisposition,
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindPersistence, "upload object", err)
	}
	url, err := c.GetReadURL(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	return &ports.UploadResult{ObjectKey: objectKey, URL: url}, nil
}

func (c *Client) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	u, err := c.client.PresignedGetObject(ctx, c.bucket, objectKey, c.expiry, nil)
	if err != nil {
		return "", domain.Wrap(domain.KindPersistence, "presign object", err)
	}
	return u.String(), nil
}

func (c *Client) DeleteFile(ctx context.Context, objectKey string) (bool, error) {
	exists, err := c.exists(ctx, objectKey)
	if err != nil {
		return false, domain.Wrap(domain.KindPersistence, "stat object", err)
	}
	if !exists {
		return false, nil
	}
	if err := c.client.RemoveObject(ctx, c.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return false, domain.Wrap(domain.KindPersistence, "delete object", err)
	}
	return true, nil
}

func (c *Client) DownloadFile(ctx context.Context, objectKey string) ([]byte, string, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", domain.Wrap(domain.KindPersistence, "get object", err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", domain.ErrNotFound("object not found")
		}
		return nil, "", domain.Wrap(domain.KindPersistence, "stat object", err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", domain.Wrap(domain.KindPersistence, "read object", err)
	}
	return data, info.ContentType, nil
}

// URLExpiry is how long presigned read URLs stay valid.
func (c *Client) URLExpiry() time.Duration {
	return c.expiry
}
