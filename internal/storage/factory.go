package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/filestore/internal/config"
	ferrors "github.com/bleepstore/filestore/internal/errors"
	"github.com/bleepstore/filestore/internal/metrics"
)

const opResolve = "resolve"

// healthCheckConcurrency bounds concurrent backend health checks.
const healthCheckConcurrency = 8

// Constructor builds an adapter for one target from its options.
type Constructor func(ctx context.Context, target string, opts Options) (Adapter, error)

// builtinConstructors maps adapter kind names to constructors.
func builtinConstructors() map[string]Constructor {
	return map[string]Constructor{
		"local":     newLocalFromOptions,
		"memory":    newMemoryFromOptions,
		"sqlite":    newSQLiteFromOptions,
		"s3":        newS3FromOptions,
		"gcs":       newGCSFromOptions,
		"azure":     newAzureFromOptions,
		"webdav":    newWebDAVFromOptions,
		"dynamodb":  newDynamoDBFromOptions,
		"firestore": newFirestoreFromOptions,
		"cosmos":    newCosmosFromOptions,
		"postgres":  newPostgresFromOptions,
	}
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithConstructor registers c for adapter kind, replacing any built-in
// constructor of the same name.
func WithConstructor(kind string, c Constructor) FactoryOption {
	return func(f *Factory) {
		f.constructors[kind] = c
	}
}

// slot holds the cached adapter of one target. Its mutex serializes
// construction for that target only.
type slot struct {
	mu      sync.Mutex
	adapter Adapter
}

// Factory builds adapters from an immutable configuration snapshot and
// caches one instance per target name for the life of the process.
//
// The factory lock guards only the slot map; construction runs under the
// target's slot lock, so slow backends do not block other targets.
type Factory struct {
	targets      map[string]config.TargetConfig
	constructors map[string]Constructor

	mu    sync.Mutex
	slots map[string]*slot
}

// NewFactory creates a Factory over a copy of cfg.
func NewFactory(cfg config.StorageConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		targets:      cfg.Snapshot().Targets,
		constructors: builtinConstructors(),
		slots:        make(map[string]*slot),
	}
	if f.targets == nil {
		f.targets = make(map[string]config.TargetConfig)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) slot(name string) *slot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[name]
	if !ok {
		s = &slot{}
		f.slots[name] = s
	}
	return s
}

// Resolve returns the adapter for the named target, constructing it on
// first use. A construction failure is returned as AdapterConstructionFailed
// and not cached; the next call retries.
func (f *Factory) Resolve(ctx context.Context, name string) (Adapter, error) {
	tc, ok := f.targets[name]
	if !ok {
		return nil, ferrors.New(ferrors.KindUnknownTarget, opResolve, name, "", fmt.Errorf("no storage target named %q", name))
	}

	s := f.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter != nil {
		return s.adapter, nil
	}

	a, err := f.construct(ctx, name, tc)
	if err != nil {
		metrics.AdapterConstructionsTotal.WithLabelValues(name, tc.Adapter, "failure").Inc()
		slog.Warn("storage adapter construction failed", "target", name, "kind", tc.Adapter, "error", err)
		return nil, ferrors.New(ferrors.KindAdapterConstructionFailed, opResolve, name, "", err)
	}

	metrics.AdapterConstructionsTotal.WithLabelValues(name, tc.Adapter, "success").Inc()
	slog.Info("storage adapter constructed", "target", name, "kind", tc.Adapter)
	s.adapter = instrument(name, a)
	return s.adapter, nil
}

func (f *Factory) construct(ctx context.Context, name string, tc config.TargetConfig) (Adapter, error) {
	ctor, ok := f.constructors[tc.Adapter]
	if !ok {
		return nil, fmt.Errorf("unknown adapter kind %q", tc.Adapter)
	}
	opts := make(Options, len(tc.Options))
	for k, v := range tc.Options {
		opts[k] = v
	}
	a, err := ctor(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("adapter kind %q returned no adapter", tc.Adapter)
	}
	return a, nil
}

// Invalidate drops the cached adapter of name, closing it if it holds
// resources. The next Resolve constructs a fresh instance.
func (f *Factory) Invalidate(name string) error {
	f.mu.Lock()
	s, ok := f.slots[name]
	f.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	a := s.adapter
	s.adapter = nil
	s.mu.Unlock()

	if c, ok := a.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Targets returns the configured target names in sorted order.
func (f *Factory) Targets() []string {
	names := make([]string, 0, len(f.targets))
	for name := range f.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kind returns the configured adapter kind of name.
func (f *Factory) Kind(name string) (string, bool) {
	tc, ok := f.targets[name]
	return tc.Adapter, ok
}

// Validate checks that every target names a registered adapter kind
// without constructing anything.
func (f *Factory) Validate() error {
	var errs []error
	for _, name := range f.Targets() {
		kind := f.targets[name].Adapter
		if _, ok := f.constructors[kind]; !ok {
			errs = append(errs, fmt.Errorf("storage target %q: unknown adapter kind %q", name, kind))
		}
	}
	return errors.Join(errs...)
}

// resolved returns the cached adapters by target name.
func (f *Factory) resolved() map[string]Adapter {
	f.mu.Lock()
	slots := make(map[string]*slot, len(f.slots))
	for name, s := range f.slots {
		slots[name] = s
	}
	f.mu.Unlock()

	out := make(map[string]Adapter, len(slots))
	for name, s := range slots {
		s.mu.Lock()
		if s.adapter != nil {
			out[name] = s.adapter
		}
		s.mu.Unlock()
	}
	return out
}

// HealthCheck checks every resolved adapter concurrently and returns the
// result per target name. A nil value means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	adapters := f.resolved()
	results := make(map[string]error, len(adapters))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckConcurrency)
	for name, a := range adapters {
		g.Go(func() error {
			var err error
			if hc, ok := a.(HealthChecker); ok {
				err = hc.HealthCheck(gctx)
			}
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// Close closes every cached adapter that holds resources and empties the
// cache.
func (f *Factory) Close() error {
	var errs []error
	for name := range f.resolved() {
		if err := f.Invalidate(name); err != nil {
			errs = append(errs, fmt.Errorf("closing target %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
