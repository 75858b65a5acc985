// Package urlcache memoizes storage read URLs. Presigning is cheap but not
// free, and a thread resume asks for every element's URL at once.
package urlcache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
)

// Client wraps a storage client, caching GetReadURL results for ttl.
// Concurrent lookups of the same key share one upstream call.
type Client struct {
	next  ports.StorageClient
	urls  *cache.Cache
	group singleflight.Group
}

var (
	_ ports.StorageClient  = (*Client)(nil)
	_ ports.FileDownloader = (*Client)(nil)
)

// New wraps next. The ttl must stay below the lifetime of the URLs next issues.
func New(next ports.StorageClient, ttl time.Duration) *Client {
	return &Client{
		next: next,
		urls: cache.New(ttl, 2*ttl),
	}
}

func (c *Client) UploadFile(ctx context.Context, objectKey string, data []byte, mime string, overwrite bool, contentDisposition string) (*ports.UploadResult, error) {
	res, err := c.next.UploadFile(ctx, objectKey, data, mime, overwrite, contentDisposition)
	if err != nil {
		return nil, err
	}
	c.urls.SetDefault(objectKey, res.URL)
	return res, nil
}

func (c *Client) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	if v, ok := c.urls.Get(objectKey); ok {
		return v.(string), nil
	}
	v, err, _ := c.group.Do(objectKey, func() (any, error) {
		url, err := c.next.GetReadURL(ctx, objectKey)
		if err != nil {
			return "", err
		}
		c.urls.SetDefault(objectKey, url)
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) DeleteFile(ctx context.Context, objectKey string) (bool, error) {
	c.urls.Delete(objectKey)
	return c.next.DeleteFile(ctx, objectKey)
}

func (c *Client) DownloadFile(ctx context.Context, objectKey string) ([]byte, string, error) {
	d, ok := c.next.(ports.FileDownloader)
	if !ok {
		return nil, "", domain.ErrNotFound("storage does not support downloads")
	}
	return d.DownloadFile(ctx, objectKey)
}

// Unwrap returns the wrapped client.
func (c *Client) Unwrap() ports.StorageClient {
	return c.next
}
