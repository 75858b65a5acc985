// Package file provides file-based configuration with hot-reload.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tjfontaine/chatline/internal/pkg/config"
)

// DefaultDebounce collapses the burst of events a single editor save
// produces into one reload.
const DefaultDebounce = 150 * time.Millisecond

// Provider implements ports.ConfigProvider on top of a YAML file.
//
// The parent directory is watched rather than the file itself, so the
// file may be created after startup and editors that save by renaming a
// temp file over it keep triggering reloads. A reload that fails to parse
// or validate is logged and the previous config stays active.
type Provider struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	watcher *fsnotify.Watcher
	current *config.Config
}

// NewProvider creates a new file-based config provider.
func NewProvider(path string) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &Provider{
		path:     abs,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}, nil
}

// SetLogger replaces the provider's logger.
func (p *Provider) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Load reads the file, environment and defaults. A missing file yields
// the environment and defaults alone.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.current = cfg
	p.mu.Unlock()

	p.logger.Info("config loaded", slog.String("path", p.path))
	return cfg, nil
}

// Watch starts watching the config file and returns once the watch is in
// place. onChange is called from a single goroutine with each config that
// loads cleanly, until ctx is done or Close is called.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	p.mu.Lock()
	if p.watcher != nil {
		p.mu.Unlock()
		watcher.Close()
		return fmt.Errorf("already watching %s", p.path)
	}
	p.watcher = watcher
	p.mu.Unlock()

	p.logger.Info("watching config file for changes", slog.String("path", p.path))
	go p.loop(ctx, watcher, onChange)
	return nil
}

func (p *Provider) loop(ctx context.Context, watcher *fsnotify.Watcher, onChange func(*config.Config)) {
	defer watcher.Close()

	// Stopped until the first relevant event arms it.
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("config watch stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(p.debounce)
			}

		case <-timer.C:
			p.reload(onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watch error", slog.String("error", err.Error()))
		}
	}
}

func (p *Provider) reload(onChange func(*config.Config)) {
	p.logger.Info("config file changed, reloading", slog.String("path", p.path))
	cfg, err := config.Load(p.path)
	if err != nil {
		p.logger.Error("failed to reload config, keeping the previous one",
			slog.String("error", err.Error()),
			slog.String("path", p.path))
		return
	}

	p.mu.Lock()
	p.current = cfg
	p.mu.Unlock()

	onChange(cfg)
}

// Current returns the most recently loaded configuration, or nil.
func (p *Provider) Current() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Close stops watching the config file.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	p.watcher = nil
	return err
}
