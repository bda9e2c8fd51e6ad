package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteAdapter(t *testing.T, overwrite bool) *SQLiteAdapter {
	t.Helper()
	a, err := NewSQLiteAdapter("db", filepath.Join(t.TempDir(), "files.db"), overwrite)
	if err != nil {
		t.Fatalf("NewSQLiteAdapter failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSQLiteAdapterContract(t *testing.T) {
	testAdapterContract(t, newTestSQLiteAdapter(t, false))
}

func TestSQLiteOverwrite(t *testing.T) {
	a := newTestSQLiteAdapter(t, true)
	ctx := context.Background()

	if err := a.Put(ctx, "f.txt", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, "f.txt", []byte("two")); err != nil {
		t.Fatalf("overwriting Put: %v", err)
	}
	got, err := a.Get(ctx, "f.txt")
	if err != nil || string(got) != "two" {
		t.Errorf("Get = %q, %v", got, err)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.db")
	ctx := context.Background()

	a, err := NewSQLiteAdapter("db", path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, "keep.txt", []byte("kept")); err != nil {
		t.Fatal(err)
	}
	a.Close()

	b, err := NewSQLiteAdapter("db", path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	got, err := b.Get(ctx, "keep.txt")
	if err != nil || string(got) != "kept" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
	if err := b.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}
