package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

func newTestMemoryAdapter(t *testing.T, opts MemoryOptions) *MemoryAdapter {
	t.Helper()
	a, err := NewMemoryAdapter("mem", opts)
	if err != nil {
		t.Fatalf("NewMemoryAdapter failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestMemoryAdapterContract(t *testing.T) {
	testAdapterContract(t, newTestMemoryAdapter(t, MemoryOptions{}))
}

func TestMemoryAdapterNotStreaming(t *testing.T) {
	a := newTestMemoryAdapter(t, MemoryOptions{})
	if SupportsStreaming(a) {
		t.Error("memory adapter should not advertise streaming")
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	a := newTestMemoryAdapter(t, MemoryOptions{})
	ctx := context.Background()

	content := []byte("original")
	if err := a.Put(ctx, "f.txt", content); err != nil {
		t.Fatal(err)
	}
	content[0] = 'X'
	got, _ := a.Get(ctx, "f.txt")
	got[1] = 'Y'

	again, _ := a.Get(ctx, "f.txt")
	if string(again) != "original" {
		t.Errorf("stored content mutated: %q", again)
	}
}

func TestMemoryMaxSize(t *testing.T) {
	a := newTestMemoryAdapter(t, MemoryOptions{MaxSizeBytes: 10})
	ctx := context.Background()

	if err := a.Put(ctx, "a", []byte("12345")); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, "b", []byte("123456")); !errors.Is(err, ferrors.ErrWriteFailed) {
		t.Fatalf("Put over limit error = %v, want WriteFailed", err)
	}
	if err := a.Copy(ctx, "a", "c"); err != nil {
		t.Fatalf("Copy within limit: %v", err)
	}
	if err := a.Copy(ctx, "a", "d"); !errors.Is(err, ferrors.ErrOperationFailed) {
		t.Fatalf("Copy over limit error = %v, want OperationFailed", err)
	}
	if err := a.Delete(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, "b", []byte("12345")); err != nil {
		t.Fatalf("Put after Delete freed space: %v", err)
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap", "memory.db")
	ctx := context.Background()

	a, err := NewMemoryAdapter("mem", MemoryOptions{SnapshotPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, "docs/a.txt", []byte("persisted")); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, "empty", []byte{}); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b := newTestMemoryAdapter(t, MemoryOptions{SnapshotPath: path})
	got, err := b.Get(ctx, "docs/a.txt")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("content = %q", got)
	}
	if ok, _ := b.Exists(ctx, "empty"); !ok {
		t.Error("empty file lost across snapshot")
	}
}
