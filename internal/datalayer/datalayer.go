// Package datalayer holds what the data layer implementations share:
// element content upload and the conformance suite in datalayertest.
package datalayer

import (
	"context"
	"os"
	"path"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
)

// ObjectKey is where element content is stored.
func ObjectKey(threadID, elementID, name string) string {
	return path.Join("threads", threadID, "elements", elementID, path.Base("/"+name))
}

// UploadElement pushes the element's content to storage and returns the
// dict to persist. Elements that already carry a URL, or have no content,
// are returned unchanged.
func UploadElement(ctx context.Context, storage ports.StorageClient, rec domain.ElementRecord) (domain.ElementDict, error) {
	e := rec.ElementDict
	if storage == nil || e.URL != "" {
		return e, nil
	}
	data := rec.Content
	if data == nil && rec.Path != "" {
		b, err := os.ReadFile(rec.Path)
		if err != nil {
			return e, err
		}
		data = b
	}
	if data == nil {
		return e, nil
	}
	res, err := storage.UploadFile(ctx, ObjectKey(e.ThreadID, e.ID, e.Name), data, e.Mime, true, "")
	if err != nil {
		return e, err
	}
	e.ObjectKey = res.ObjectKey
	e.URL = res.URL
	return e, nil
}
