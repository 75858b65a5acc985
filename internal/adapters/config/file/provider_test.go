package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/chatline/internal/pkg/config"
)

func newTestProvider(t *testing.T, path string) *Provider {
	t.Helper()
	p, err := NewProvider(path)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	p.debounce = 20 * time.Millisecond
	p.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { p.Close() })
	return p
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func watch(t *testing.T, p *Provider) <-chan *config.Config {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	changed := make(chan *config.Config, 8)
	if err := p.Watch(ctx, func(c *config.Config) { changed <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	return changed
}

// waitFor returns the first reloaded config whose UI name is want.
func waitFor(t *testing.T, changed <-chan *config.Config, want string) *config.Config {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.UI.Name == want {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ui.name %q", want)
			return nil
		}
	}
}

func TestNewProvider_EmptyPath(t *testing.T) {
	if _, err := NewProvider(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestProvider_LoadAndWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write(t, path, "ui:\n  name: First\n")
	p := newTestProvider(t, path)

	cfg, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UI.Name != "First" {
		t.Fatalf("UI.Name = %q, want First", cfg.UI.Name)
	}

	changed := watch(t, p)
	write(t, path, "ui:\n  name: Second\n")
	waitFor(t, changed, "Second")
	if p.Current().UI.Name != "Second" {
		t.Errorf("Current().UI.Name = %q", p.Current().UI.Name)
	}
}

func TestProvider_FileCreatedAfterStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	p := newTestProvider(t, path)

	cfg, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() without a file error = %v", err)
	}
	if cfg.UI.Name != "Assistant" {
		t.Errorf("default UI.Name = %q", cfg.UI.Name)
	}

	changed := watch(t, p)
	write(t, path, "ui:\n  name: Late\n")
	waitFor(t, changed, "Late")
}

func TestProvider_RenameSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write(t, path, "ui:\n  name: First\n")
	p := newTestProvider(t, path)
	changed := watch(t, p)

	tmp := filepath.Join(dir, ".config.yaml.swp")
	write(t, tmp, "ui:\n  name: Renamed\n")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, changed, "Renamed")
}

func TestProvider_InvalidEditKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write(t, path, "ui:\n  name: First\n")
	p := newTestProvider(t, path)
	if _, err := p.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	changed := watch(t, p)

	write(t, path, "data_layer:\n  type: mongodb\n")
	write(t, path+".unrelated", "noise")
	select {
	case c := <-changed:
		t.Fatalf("invalid config was applied: %+v", c.DataLayer)
	case <-time.After(300 * time.Millisecond):
	}
	if p.Current().UI.Name != "First" {
		t.Errorf("Current().UI.Name = %q, want First", p.Current().UI.Name)
	}

	write(t, path, "ui:\n  name: Fixed\n")
	waitFor(t, changed, "Fixed")
}

func TestProvider_WatchTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	p := newTestProvider(t, path)
	watch(t, p)
	if err := p.Watch(context.Background(), func(*config.Config) {}); err == nil {
		t.Fatal("second Watch() succeeded")
	}
}
