package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/bleepstore/filestore/internal/config"
	ferrors "github.com/bleepstore/filestore/internal/errors"
)

func newLocalStorage(t *testing.T, name string) *Storage {
	t.Helper()
	f := NewFactory(config.StorageConfig{Targets: map[string]config.TargetConfig{
		name: {Adapter: "local", Options: map[string]string{"root": t.TempDir()}},
	}})
	t.Cleanup(func() { f.Close() })
	return NewStorage(f, name)
}

func TestStoragePutGetDeleteLifecycle(t *testing.T) {
	s := newLocalStorage(t, "t")
	ctx := context.Background()

	if err := s.Put(ctx, "a/b.txt", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "a/b.txt")
	if err != nil || string(got) != "hello" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if ok, err := s.Exists(ctx, "a/b.txt"); err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if err := s.Delete(ctx, "a/b.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := s.Exists(ctx, "a/b.txt"); err != nil || ok {
		t.Fatalf("Exists after Delete = %v, %v", ok, err)
	}
	if _, err := s.Get(ctx, "a/b.txt"); !errors.Is(err, ferrors.ErrNotFound) {
		t.Fatalf("Get after Delete error = %v, want NotFound", err)
	}
}

func TestStorageRenameOntoExisting(t *testing.T) {
	s := newLocalStorage(t, "t")
	ctx := context.Background()

	s.Put(ctx, "a/b.txt", []byte("source"))
	s.Put(ctx, "a/c.txt", []byte("destination"))

	err := s.Rename(ctx, "a/b.txt", "a/c.txt")
	if !errors.Is(err, ferrors.ErrAlreadyExists) {
		t.Fatalf("Rename error = %v, want AlreadyExists", err)
	}
	if got, _ := s.Get(ctx, "a/b.txt"); string(got) != "source" {
		t.Errorf("source = %q", got)
	}
	if got, _ := s.Get(ctx, "a/c.txt"); string(got) != "destination" {
		t.Errorf("destination = %q", got)
	}

	// A path renamed onto itself already exists.
	if err := s.Rename(ctx, "a/b.txt", "a/./b.txt"); !errors.Is(err, ferrors.ErrAlreadyExists) {
		t.Errorf("self Rename error = %v, want AlreadyExists", err)
	}
}

func TestStorageStreamingCapability(t *testing.T) {
	f := NewFactory(config.StorageConfig{Targets: map[string]config.TargetConfig{
		"mem":  {Adapter: "memory"},
		"disk": {Adapter: "local", Options: map[string]string{"root": t.TempDir()}},
	}})
	defer f.Close()
	ctx := context.Background()

	mem := NewStorage(f, "mem")
	if ok, err := mem.SupportsStreaming(ctx); err != nil || ok {
		t.Errorf("memory SupportsStreaming = %v, %v", ok, err)
	}
	if _, err := mem.OpenReadStream(ctx, "x"); !errors.Is(err, ferrors.ErrCapabilityNotSupported) {
		t.Errorf("OpenReadStream error = %v, want CapabilityNotSupported", err)
	}
	if _, err := mem.OpenWriteStream(ctx, "x"); !errors.Is(err, ferrors.ErrCapabilityNotSupported) {
		t.Errorf("OpenWriteStream error = %v, want CapabilityNotSupported", err)
	}

	disk := NewStorage(f, "disk")
	if ok, err := disk.SupportsStreaming(ctx); err != nil || !ok {
		t.Fatalf("local SupportsStreaming = %v, %v", ok, err)
	}
	n, err := disk.WriteStream(ctx, "up/load.txt", strings.NewReader("streamed body"))
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if n != int64(len("streamed body")) {
		t.Errorf("WriteStream wrote %d bytes", n)
	}
	r, err := disk.OpenReadStream(ctx, "up/load.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if got, _ := io.ReadAll(r); string(got) != "streamed body" {
		t.Errorf("read back %q", got)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("client went away") }

func TestStorageWriteStreamAbortsOnReadError(t *testing.T) {
	s := newLocalStorage(t, "t")
	ctx := context.Background()

	_, err := s.WriteStream(ctx, "partial.bin", io.MultiReader(strings.NewReader("head"), failingReader{}))
	if !errors.Is(err, ferrors.ErrWriteFailed) {
		t.Fatalf("WriteStream error = %v, want WriteFailed", err)
	}
	if ok, _ := s.Exists(ctx, "partial.bin"); ok {
		t.Error("partial stream was published")
	}
}

// stubResolver hands out a fixed adapter and counts resolutions. While err
// is set it fails.
type stubResolver struct {
	adapter  Adapter
	err      error
	resolves int
}

func (r *stubResolver) Resolve(ctx context.Context, name string) (Adapter, error) {
	r.resolves++
	if r.err != nil {
		return nil, r.err
	}
	return r.adapter, nil
}

func TestStorageLazyResolution(t *testing.T) {
	mem, _ := NewMemoryAdapter("lazy", MemoryOptions{})
	r := &stubResolver{adapter: mem, err: ferrors.New(ferrors.KindAdapterConstructionFailed, opResolve, "lazy", "", nil)}
	s := NewStorage(r, "lazy")
	ctx := context.Background()

	if r.resolves != 0 {
		t.Fatal("NewStorage resolved eagerly")
	}
	if _, err := s.Exists(ctx, "x"); !errors.Is(err, ferrors.ErrAdapterConstructionFailed) {
		t.Fatalf("Exists error = %v", err)
	}
	r.err = nil
	if _, err := s.Exists(ctx, "x"); err != nil {
		t.Fatalf("Exists after recovery: %v", err)
	}
	s.Exists(ctx, "y")
	if r.resolves != 2 {
		t.Errorf("resolves = %d, want 2", r.resolves)
	}
	if s.Name() != "lazy" {
		t.Errorf("Name = %q", s.Name())
	}
}

func TestStorageTraversalError(t *testing.T) {
	local, err := NewLocalAdapter("t", t.TempDir(), false, false)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStorage(&stubResolver{adapter: local}, "t")

	err = s.Put(context.Background(), "../../etc/passwd", []byte("x"))
	if !errors.Is(err, ferrors.ErrInvalidPath) {
		t.Fatalf("Put error = %v, want InvalidPath", err)
	}
	se, _ := ferrors.As(err)
	if se.Target != "t" || se.Op != opPut {
		t.Errorf("error fields = %+v", se)
	}
}
