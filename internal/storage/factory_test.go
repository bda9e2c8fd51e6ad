package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bleepstore/filestore/internal/config"
	ferrors "github.com/bleepstore/filestore/internal/errors"
)

// countingConstructor returns a Constructor that builds memory adapters and
// counts its invocations. While fail is set it returns an error instead.
type countingConstructor struct {
	calls atomic.Int64
	fail  atomic.Bool
	delay time.Duration
}

func (c *countingConstructor) build(ctx context.Context, target string, opts Options) (Adapter, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.fail.Load() {
		return nil, errors.New("backend unavailable")
	}
	return NewMemoryAdapter(target, MemoryOptions{})
}

func testStorageConfig(targets map[string]string) config.StorageConfig {
	cfg := config.StorageConfig{Targets: make(map[string]config.TargetConfig)}
	for name, kind := range targets {
		cfg.Targets[name] = config.TargetConfig{Adapter: kind, Options: map[string]string{}}
	}
	return cfg
}

func TestFactoryResolveUnknownTarget(t *testing.T) {
	f := NewFactory(testStorageConfig(map[string]string{"a": "memory"}))
	_, err := f.Resolve(context.Background(), "missing")
	if !errors.Is(err, ferrors.ErrUnknownTarget) {
		t.Fatalf("Resolve error = %v, want UnknownTarget", err)
	}
}

func TestFactoryResolveCachesInstance(t *testing.T) {
	f := NewFactory(testStorageConfig(map[string]string{"a": "memory", "b": "memory"}))
	ctx := context.Background()

	a1, err := f.Resolve(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := f.Resolve(ctx, "a")
	if a1 != a2 {
		t.Error("Resolve returned a different instance for the same target")
	}
	b, _ := f.Resolve(ctx, "b")
	if b == a1 {
		t.Error("different targets share an instance")
	}
	if a1.Kind() != "memory" {
		t.Errorf("Kind = %q, want memory", a1.Kind())
	}
}

func TestFactoryConcurrentResolveConstructsOnce(t *testing.T) {
	ctor := &countingConstructor{delay: 20 * time.Millisecond}
	f := NewFactory(testStorageConfig(map[string]string{"shared": "counted"}),
		WithConstructor("counted", ctor.build))

	const n = 32
	results := make([]Adapter, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.Resolve(context.Background(), "shared")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			results[i] = a
		}(i)
	}
	wg.Wait()

	if got := ctor.calls.Load(); got != 1 {
		t.Errorf("constructor called %d times, want 1", got)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("goroutine %d received a different instance", i)
		}
	}
}

func TestFactoryDifferentTargetsDoNotBlock(t *testing.T) {
	slow := make(chan struct{})
	f := NewFactory(testStorageConfig(map[string]string{"slow": "blocking", "fast": "memory"}),
		WithConstructor("blocking", func(ctx context.Context, target string, opts Options) (Adapter, error) {
			<-slow
			return NewMemoryAdapter(target, MemoryOptions{})
		}))
	defer close(slow)

	go f.Resolve(context.Background(), "slow")
	time.Sleep(10 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := f.Resolve(context.Background(), "fast")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resolving one target blocked on another target's construction")
	}
}

func TestFactoryConstructionFailureNotCached(t *testing.T) {
	ctor := &countingConstructor{}
	ctor.fail.Store(true)
	f := NewFactory(testStorageConfig(map[string]string{"flaky": "counted"}),
		WithConstructor("counted", ctor.build))
	ctx := context.Background()

	_, err := f.Resolve(ctx, "flaky")
	if !errors.Is(err, ferrors.ErrAdapterConstructionFailed) {
		t.Fatalf("Resolve error = %v, want AdapterConstructionFailed", err)
	}

	ctor.fail.Store(false)
	a, err := f.Resolve(ctx, "flaky")
	if err != nil {
		t.Fatalf("Resolve after recovery: %v", err)
	}
	if a == nil {
		t.Fatal("nil adapter")
	}
	if got := ctor.calls.Load(); got != 2 {
		t.Errorf("constructor called %d times, want 2", got)
	}
}

func TestFactoryUnknownKind(t *testing.T) {
	f := NewFactory(testStorageConfig(map[string]string{"x": "tape"}))
	if err := f.Validate(); err == nil {
		t.Error("Validate accepted an unknown adapter kind")
	}
	_, err := f.Resolve(context.Background(), "x")
	if !errors.Is(err, ferrors.ErrAdapterConstructionFailed) {
		t.Errorf("Resolve error = %v, want AdapterConstructionFailed", err)
	}
}

func TestFactoryConfigSnapshot(t *testing.T) {
	cfg := testStorageConfig(map[string]string{"a": "memory"})
	f := NewFactory(cfg)
	cfg.Targets["b"] = config.TargetConfig{Adapter: "memory"}
	delete(cfg.Targets, "a")

	if names := f.Targets(); len(names) != 1 || names[0] != "a" {
		t.Errorf("Targets = %v, want [a]", names)
	}
	if kind, ok := f.Kind("a"); !ok || kind != "memory" {
		t.Errorf("Kind(a) = %q, %v", kind, ok)
	}
}

func TestFactoryInvalidate(t *testing.T) {
	ctor := &countingConstructor{}
	f := NewFactory(testStorageConfig(map[string]string{"a": "counted"}),
		WithConstructor("counted", ctor.build))
	ctx := context.Background()

	first, _ := f.Resolve(ctx, "a")
	if err := f.Invalidate("a"); err != nil {
		t.Fatal(err)
	}
	second, _ := f.Resolve(ctx, "a")
	if first == second {
		t.Error("Invalidate did not drop the cached adapter")
	}
	if got := ctor.calls.Load(); got != 2 {
		t.Errorf("constructor called %d times, want 2", got)
	}
}

func TestFactoryHealthCheck(t *testing.T) {
	f := NewFactory(testStorageConfig(map[string]string{"a": "memory", "b": "memory", "idle": "memory"}))
	ctx := context.Background()
	f.Resolve(ctx, "a")
	f.Resolve(ctx, "b")

	results := f.HealthCheck(ctx)
	if len(results) != 2 {
		t.Fatalf("HealthCheck checked %d targets, want 2: %v", len(results), results)
	}
	for name, err := range results {
		if err != nil {
			t.Errorf("target %s unhealthy: %v", name, err)
		}
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if got := len(f.HealthCheck(ctx)); got != 0 {
		t.Errorf("HealthCheck after Close checked %d targets", got)
	}
}

func TestInstrumentPreservesStreaming(t *testing.T) {
	mem, _ := NewMemoryAdapter("m", MemoryOptions{})
	if SupportsStreaming(instrument("m", mem)) {
		t.Error("instrumented memory adapter reports streaming")
	}
	local, err := NewLocalAdapter("l", t.TempDir(), false, false)
	if err != nil {
		t.Fatal(err)
	}
	wrapped := instrument("l", local)
	if !SupportsStreaming(wrapped) {
		t.Fatal("instrumented local adapter lost streaming")
	}

	w, err := wrapped.(Streamer).OpenWriteStream(context.Background(), "s.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := w.(Aborter); !ok {
		t.Error("instrumented write handle lost Abort")
	}
	w.(Aborter).Abort()
	if ok, _ := wrapped.Exists(context.Background(), "s.bin"); ok {
		t.Error("aborted stream was published")
	}
}

func TestFactoryRejectsInvalidPrefix(t *testing.T) {
	cfg := config.StorageConfig{Targets: map[string]config.TargetConfig{
		"share": {Adapter: "webdav", Options: map[string]string{
			"url":    "http://127.0.0.1:1/dav",
			"prefix": "tenant-a/../../shared",
		}},
	}}
	f := NewFactory(cfg)
	_, err := f.Resolve(context.Background(), "share")
	if ferrors.KindOf(err) != ferrors.KindAdapterConstructionFailed {
		t.Fatalf("Resolve error = %v, want AdapterConstructionFailed", err)
	}
}
