package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

func newTestLocalAdapter(t *testing.T) *LocalAdapter {
	t.Helper()
	a, err := NewLocalAdapter("test", t.TempDir(), false, false)
	if err != nil {
		t.Fatalf("NewLocalAdapter failed: %v", err)
	}
	return a
}

func tempEntries(t *testing.T, a *LocalAdapter) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(a.RootDir, tempDirName))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return entries
}

func TestLocalAdapterContract(t *testing.T) {
	testAdapterContract(t, newTestLocalAdapter(t))
}

func TestLocalPutNestedPath(t *testing.T) {
	a := newTestLocalAdapter(t)
	ctx := context.Background()

	if err := a.Put(ctx, "a/b/c/file.txt", []byte("nested content")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(a.RootDir, "a", "b", "c", "file.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "nested content" {
		t.Errorf("content = %q", data)
	}
	if n := len(tempEntries(t, a)); n != 0 {
		t.Errorf("%d temp files left after Put", n)
	}
}

func TestLocalPutOverwrite(t *testing.T) {
	a, err := NewLocalAdapter("test", t.TempDir(), false, true)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := a.Put(ctx, "f.txt", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, "f.txt", []byte("second")); err != nil {
		t.Fatalf("overwriting Put failed: %v", err)
	}
	got, _ := a.Get(ctx, "f.txt")
	if string(got) != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}
}

func TestLocalRootCreation(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not", "yet")
	if _, err := NewLocalAdapter("test", root, false, false); err == nil {
		t.Fatal("expected error for missing root without create_root")
	}
	a, err := NewLocalAdapter("test", root, true, false)
	if err != nil {
		t.Fatalf("NewLocalAdapter with create_root: %v", err)
	}
	if info, err := os.Stat(filepath.Join(a.RootDir, tempDirName)); err != nil || !info.IsDir() {
		t.Errorf(".tmp directory missing: %v", err)
	}
}

func TestLocalRootMustBeDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLocalAdapter("test", file, false, false); err == nil {
		t.Fatal("expected error for file root")
	}
}

func TestLocalReservedPaths(t *testing.T) {
	a := newTestLocalAdapter(t)
	ctx := context.Background()

	for _, p := range []string{".", "/", "x/..", ".tmp/evil", ".tmp"} {
		if err := a.Put(ctx, p, []byte("x")); !errors.Is(err, ferrors.ErrInvalidPath) {
			t.Errorf("Put(%q) error = %v, want InvalidPath", p, err)
		}
	}
}

func TestLocalSymlinkEscape(t *testing.T) {
	a := newTestLocalAdapter(t)
	ctx := context.Background()

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(a.RootDir, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := a.Get(ctx, "link/secret.txt"); !errors.Is(err, ferrors.ErrInvalidPath) {
		t.Errorf("Get through symlink error = %v, want InvalidPath", err)
	}
	if err := a.Put(ctx, "link/new.txt", []byte("x")); !errors.Is(err, ferrors.ErrInvalidPath) {
		t.Errorf("Put through symlink error = %v, want InvalidPath", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "new.txt")); !os.IsNotExist(err) {
		t.Error("file was created outside the root")
	}
}

func TestLocalTraversalCreatesNothing(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	a, err := NewLocalAdapter("test", root, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Put(context.Background(), "../escaped.txt", []byte("x")); !errors.Is(err, ferrors.ErrInvalidPath) {
		t.Fatalf("Put error = %v, want InvalidPath", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "escaped.txt")); !os.IsNotExist(err) {
		t.Error("traversal created a file outside the root")
	}
}

func TestLocalExistsDirectory(t *testing.T) {
	a := newTestLocalAdapter(t)
	ctx := context.Background()
	if err := a.Put(ctx, "dir/f.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	ok, err := a.Exists(ctx, "dir")
	if err != nil || !ok {
		t.Errorf("Exists(dir) = %v, %v, want true", ok, err)
	}
	if _, err := a.Get(ctx, "dir"); !errors.Is(err, ferrors.ErrNotFound) {
		t.Errorf("Get(dir) error = %v, want NotFound", err)
	}
}

func TestLocalDeleteCleansEmptyDirs(t *testing.T) {
	a := newTestLocalAdapter(t)
	ctx := context.Background()

	if err := a.Put(ctx, "x/y/z/file.txt", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, "x/keep.txt", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := a.Delete(ctx, "x/y/z/file.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(a.RootDir, "x", "y")); !os.IsNotExist(err) {
		t.Error("empty parent directories were not removed")
	}
	if _, err := os.Stat(filepath.Join(a.RootDir, "x")); err != nil {
		t.Errorf("non-empty directory was removed: %v", err)
	}
}

func TestLocalCleanTempFiles(t *testing.T) {
	a := newTestLocalAdapter(t)
	tmpDir := filepath.Join(a.RootDir, tempDirName)

	old := filepath.Join(tmpDir, "tmp-old")
	fresh := filepath.Join(tmpDir, "tmp-fresh")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("partial"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	if err := a.CleanTempFiles(time.Hour); err != nil {
		t.Fatalf("CleanTempFiles: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale temp file was not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh temp file was removed")
	}
}

func TestLocalWriteStreamNotVisibleUntilClose(t *testing.T) {
	a := newTestLocalAdapter(t)
	ctx := context.Background()

	w, err := a.OpenWriteStream(ctx, "upload.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, "partial"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := a.Exists(ctx, "upload.bin"); ok {
		t.Error("file visible before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ok, _ := a.Exists(ctx, "upload.bin"); !ok {
		t.Error("file not visible after Close")
	}
	if n := len(tempEntries(t, a)); n != 0 {
		t.Errorf("%d temp files left after Close", n)
	}
}

func TestLocalWriteStreamAbort(t *testing.T) {
	a := newTestLocalAdapter(t)
	ctx := context.Background()

	w, err := a.OpenWriteStream(ctx, "aborted.bin")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "data")
	if err := w.(Aborter).Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if ok, _ := a.Exists(ctx, "aborted.bin"); ok {
		t.Error("aborted stream published a file")
	}
	if n := len(tempEntries(t, a)); n != 0 {
		t.Errorf("%d temp files left after Abort", n)
	}
}

func TestLocalWriteStreamDestinationCreatedConcurrently(t *testing.T) {
	a := newTestLocalAdapter(t)
	ctx := context.Background()

	w, err := a.OpenWriteStream(ctx, "race.txt")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "from stream")
	if err := a.Put(ctx, "race.txt", []byte("from put")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); !errors.Is(err, ferrors.ErrAlreadyExists) {
		t.Fatalf("Close error = %v, want AlreadyExists", err)
	}
	got, _ := a.Get(ctx, "race.txt")
	if string(got) != "from put" {
		t.Errorf("content = %q, existing file was replaced", got)
	}
}

func TestLocalHealthCheck(t *testing.T) {
	a := newTestLocalAdapter(t)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestLocalMoveNeverReplacesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	if err := os.WriteFile(src, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}
	// The destination appears after Rename's existence check.
	if err := os.WriteFile(dst, []byte("theirs"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := moveNoReplace(src, dst); !errors.Is(err, os.ErrExist) {
		t.Fatalf("moveNoReplace error = %v, want ErrExist", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "theirs" {
		t.Errorf("destination = %q, want %q", got, "theirs")
	}
	if got, _ := os.ReadFile(src); string(got) != "mine" {
		t.Errorf("source = %q, want %q", got, "mine")
	}
}

func TestLocalRenameDirectory(t *testing.T) {
	a := newTestLocalAdapter(t)
	ctx := context.Background()

	if err := a.Put(ctx, "album/one.jpg", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := a.Rename(ctx, "album", "archive/album"); err != nil {
		t.Fatalf("Rename directory: %v", err)
	}
	got, err := a.Get(ctx, "archive/album/one.jpg")
	if err != nil || string(got) != "1" {
		t.Errorf("Get after directory rename = %q, %v", got, err)
	}
	if ok, _ := a.Exists(ctx, "album"); ok {
		t.Error("source directory still exists")
	}
}
