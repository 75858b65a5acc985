package local

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestClient_UploadDownloadDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := New(dir, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := c.UploadFile(ctx, "threads/t1/elements/e1/notes.txt", []byte("hello"), "text/plain", false, "")
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if res.URL != "/storage/threads/t1/elements/e1/notes.txt" {
		t.Errorf("URL = %q", res.URL)
	}

	if _, err := c.UploadFile(ctx, "threads/t1/elements/e1/notes.txt", []byte("again"), "text/plain", false, ""); err == nil {
		t.Error("UploadFile() without overwrite replaced an existing object")
	}
	if _, err := c.UploadFile(ctx, "threads/t1/elements/e1/notes.txt", []byte("again"), "text/plain", true, ""); err != nil {
		t.Errorf("UploadFile() with overwrite error = %v", err)
	}

	data, typ, err := c.DownloadFile(ctx, "threads/t1/elements/e1/notes.txt")
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	if string(data) != "again" || !strings.HasPrefix(typ, "text/plain") {
		t.Errorf("DownloadFile() = %q, %q", data, typ)
	}

	ok, err := c.DeleteFile(ctx, "threads/t1/elements/e1/notes.txt")
	if err != nil || !ok {
		t.Errorf("DeleteFile() = %v, %v; want true", ok, err)
	}
	ok, err = c.DeleteFile(ctx, "threads/t1/elements/e1/notes.txt")
	if err != nil || ok {
		t.Errorf("second DeleteFile() = %v, %v; want false", ok, err)
	}
}

func TestClient_KeysStayInsideDir(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := filepath.Join(root, "store")
	c, err := New(dir, "/files/")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := c.UploadFile(ctx, "../../escape.txt", []byte("x"), "text/plain", true, "")
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); err == nil {
		t.Fatal("object written outside the storage directory")
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err != nil {
		t.Errorf("object not stored in the directory: %v", err)
	}
	if res.URL != "/files/escape.txt" {
		t.Errorf("URL = %q", res.URL)
	}
}

func TestClient_Handler(t *testing.T) {
	c, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := c.UploadFile(context.Background(), "a/b.txt", []byte("served"), "text/plain", true, "")
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + res.URL)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "served" {
		t.Errorf("GET %s = %d %q", res.URL, resp.StatusCode, body)
	}
}

func TestNew_RequiresDir(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Error("New(\"\") succeeded")
	}
}
