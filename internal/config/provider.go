package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce coalesces bursts of file events into one reload.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultApplyTimeout bounds one ApplyFunc call.
	DefaultApplyTimeout = 30 * time.Second
)

// ApplyFunc receives every successfully parsed version of the definitions.
type ApplyFunc func(ctx context.Context, defs *Definitions) error

// ProviderOption configures a FileProvider.
type ProviderOption func(*FileProvider)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) ProviderOption {
	return func(p *FileProvider) { p.debounce = d }
}

// WithProviderMetrics counts reloads.
func WithProviderMetrics(m *metrics.Metrics) ProviderOption {
	return func(p *FileProvider) { p.metrics = m }
}

// FileProvider watches a definitions file and applies it on every change.
// A file that fails to parse or apply leaves the previous definitions in place.
type FileProvider struct {
	path     string
	apply    ApplyFunc
	metrics  *metrics.Metrics
	debounce time.Duration

	mu      sync.RWMutex
	current *Definitions

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileProvider loads path, applies it and starts watching its directory.
// A missing or invalid file at startup is logged and watched for.
func NewFileProvider(path string, apply ApplyFunc, opts ...ProviderOption) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve definitions path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &FileProvider{
		path:     absPath,
		apply:    apply,
		debounce: DefaultDebounce,
		watcher:  watcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.Reload(ctx); err != nil {
		slog.Warn("FileProvider: initial definitions load failed", "path", absPath, "error", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("watch definitions directory: %w", err)
	}
	go p.watchLoop(ctx)
	slog.Info("FileProvider: watching definitions", "path", absPath)
	return p, nil
}

// Current returns the last applied definitions, or nil before the first successful load.
func (p *FileProvider) Current() *Definitions {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// BuildContext returns the business context of orgID from the current definitions.
func (p *FileProvider) BuildContext(ctx context.Context, orgID string) (string, error) {
	defs := p.Current()
	if defs == nil {
		return "", nil
	}
	return defs.BusinessContext[orgID], nil
}

// Reload parses the file and applies it.
func (p *FileProvider) Reload(ctx context.Context) error {
	defs, err := LoadFile(p.path)
	if err != nil {
		p.metrics.RecordConfigReload("error")
		return err
	}
	if p.apply != nil {
		actx, cancel := context.WithTimeout(ctx, DefaultApplyTimeout)
		defer cancel()
		if err := p.apply(actx, defs); err != nil {
			p.metrics.RecordConfigReload("error")
			return fmt.Errorf("apply definitions: %w", err)
		}
	}
	p.mu.Lock()
	p.current = defs
	p.mu.Unlock()
	p.metrics.RecordConfigReload("success")
	return nil
}

// Close stops watching.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if err := p.Reload(ctx); err != nil {
					slog.Error("FileProvider: reload failed, keeping previous definitions", "path", p.path, "error", err)
					return
				}
				slog.Info("FileProvider: definitions reloaded", "path", p.path)
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("FileProvider: watcher error", "error", err)
		}
	}
}

// StaticContext serves business context from a fixed map keyed by organization id.
type StaticContext map[string]string

// BuildContext returns the context of orgID.
func (s StaticContext) BuildContext(ctx context.Context, orgID string) (string, error) {
	return s[orgID], nil
}
