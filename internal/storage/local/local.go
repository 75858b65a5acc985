// Package local stores element content on the filesystem and serves it
// back over HTTP.
package local

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
)

// DefaultBaseURL is where the server mounts Handler when no base URL is configured.
const DefaultBaseURL = "/storage"

// Client implements ports.StorageClient over a directory.
type Client struct {
	dir     string
	baseURL string
}

var (
	_ ports.StorageClient  = (*Client)(nil)
	_ ports.FileDownloader = (*Client)(nil)
)

// New creates the directory if needed. An empty baseURL means DefaultBaseURL.
func New(dir, baseURL string) (*Client, error) {
	if dir == "" {
		return nil, domain.ErrConfig("storage.local.dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.Wrap(domain.KindConfig, "create storage directory", err)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// resolve maps an object key to a path inside the storage directory.
func (c *Client) resolve(objectKey string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+objectKey), "/")
	if clean == "" {
		return "", domain.ErrInvalidRequest("empty object key")
	}
	return filepath.Join(c.dir, filepath.FromSlash(clean)), nil
}

func (c *Client) UploadFile(ctx context.Context, objectKey string, data []byte, mime string, overwrite bool, contentDisposition string) (*ports.UploadResult, error) {
	file, err := c.resolve(objectKey)
	if err != nil {
		return nil, err
	}
	if !overwrite {
		if _, err := os.Stat(file); err == nil {
			return nil, domain.ErrInvalidRequest("object already exists: " + objectKey)
		}
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, domain.Wrap(domain.KindPersistence, "create object directory", err)
	}
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return nil, domain.Wrap(domain.KindPersistence, "write object", err)
	}
	url, _ := c.GetReadURL(ctx, objectKey)
	return &ports.UploadResult{ObjectKey: objectKey, URL: url}, nil
}

func (c *Client) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	return c.baseURL + "/" + strings.TrimPrefix(path.Clean("/"+objectKey), "/"), nil
}

func (c *Client) DeleteFile(ctx context.Context, objectKey string) (bool, error) {
	file, err := c.resolve(objectKey)
	if err != nil {
		return false, err
	}
	err = os.Remove(file)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, domain.Wrap(domain.KindPersistence, "delete object", err)
	}
	return true, nil
}

func (c *Client) DownloadFile(ctx context.Context, objectKey string) ([]byte, string, error) {
	file, err := c.resolve(objectKey)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", domain.ErrNotFound("object not found")
	}
	if err != nil {
		return nil, "", domain.Wrap(domain.KindPersistence, "read object", err)
	}
	typ := mime.TypeByExtension(filepath.Ext(file))
	if typ == "" {
		typ = http.DetectContentType(data)
	}
	return data, typ, nil
}

// Handler serves stored objects. Mount it at the client's base URL.
func (c *Client) Handler() http.Handler {
	return http.StripPrefix(c.baseURL, http.FileServer(http.Dir(c.dir)))
}

// BaseURL is the prefix read URLs start with.
func (c *Client) BaseURL() string {
	return c.baseURL
}
