package routes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Source produces a full domain table.
type Source interface {
	Name() string
	Load(ctx context.Context) (map[string]string, error)
}

// Reloader rebuilds the registry from its sources. Later sources override
// earlier ones for the same domain.
type Reloader struct {
	registry *Registry
	sources  []Source
	logger   *slog.Logger
	onReload func(count int)
}

type ReloaderOption func(*Reloader)

func WithReloaderLogger(logger *slog.Logger) ReloaderOption {
	return func(r *Reloader) {
		r.logger = logger
	}
}

// WithOnReload registers a callback receiving the table size after each
// successful reload.
func WithOnReload(fn func(count int)) ReloaderOption {
	return func(r *Reloader) {
		r.onReload = fn
	}
}

func NewReloader(registry *Registry, sources []Source, opts ...ReloaderOption) (*Reloader, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one routes source is required")
	}
	r := &Reloader{
		registry: registry,
		sources:  sources,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reload loads every source and swaps the merged table in. If any source
// fails the current table is kept.
func (r *Reloader) Reload(ctx context.Context) error {
	merged := make(map[string]string)
	for _, src := range r.sources {
		entries, err := src.Load(ctx)
		if err != nil {
			r.logger.Error("routes reload failed, keeping current table", "source", src.Name(), "error", err)
			return fmt.Errorf("reload %s: %w", src.Name(), err)
		}
		for domain, uri := range entries {
			merged[domain] = uri
		}
	}

	before := r.registry.Snapshot()
	count := r.registry.Replace(merged)
	added, removed, changed := diffRoutes(before, r.registry.Snapshot())
	if added+removed+changed > 0 {
		r.logger.Info("routes changed", "added", added, "removed", removed, "changed", changed)
	}
	r.logger.Debug("target domains loaded", "count", count)
	if r.onReload != nil {
		r.onReload(count)
	}
	return nil
}

// ReloadOnSignal reloads every time a signal arrives on sig until ctx is done.
func (r *Reloader) ReloadOnSignal(ctx context.Context, sig <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-sig:
			r.logger.Info("reloading routes", "signal", s.String())
			_ = r.Reload(ctx)
		}
	}
}

// diffRoutes counts domains added, removed and pointed at a new exchange
// between two tables.
func diffRoutes(before, after map[string]string) (added, removed, changed int) {
	for domain, uri := range after {
		old, ok := before[domain]
		switch {
		case !ok:
			added++
		case old != uri:
			changed++
		}
	}
	for domain := range before {
		if _, ok := after[domain]; !ok {
			removed++
		}
	}
	return added, removed, changed
}
