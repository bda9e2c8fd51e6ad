package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ferrors "github.com/bleepstore/filestore/internal/errors"
	"github.com/bleepstore/filestore/internal/pathutil"
	"github.com/bleepstore/filestore/internal/uid"
)

// tempDirName is the directory under the root that holds in-flight writes.
// It is not addressable through the adapter.
const tempDirName = ".tmp"

// tempGracePeriod is how old a temp file must be before CleanTempFiles
// removes it at startup, so a write stream still open in another process
// sharing the root survives.
const tempGracePeriod = time.Hour

var errReservedPath = errors.New("path is reserved")

// LocalAdapter stores files on the local filesystem beneath a root
// directory. Every path is canonicalized against the root with symlinks
// resolved, so neither ".." segments nor symlinks can reach outside it.
//
// Writes are crash-safe: data goes to a temp file under <root>/.tmp, is
// fsynced, and is then published with a hard link (or a rename when
// overwriting), so readers never see a partial file. A write stream that
// is never closed leaves only a temp file, which CleanTempFiles removes on
// the next startup.
type LocalAdapter struct {
	// RootDir is the canonical root directory.
	RootDir string

	target    string
	overwrite bool
}

var (
	_ Adapter       = (*LocalAdapter)(nil)
	_ Streamer      = (*LocalAdapter)(nil)
	_ HealthChecker = (*LocalAdapter)(nil)
)

// NewLocalAdapter creates a LocalAdapter rooted at rootDir. The root must
// exist unless createRoot is set.
func NewLocalAdapter(target, rootDir string, createRoot, overwrite bool) (*LocalAdapter, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("local adapter: root directory is required")
	}
	if createRoot {
		if err := os.MkdirAll(rootDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
		}
	}

	root, err := pathutil.Canonicalize(rootDir, "")
	if err != nil {
		return nil, fmt.Errorf("resolving storage root %q: %w", rootDir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("storage root %q: %w", rootDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root %q is not a directory", rootDir)
	}

	tmpDir := filepath.Join(root, tempDirName)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}

	a := &LocalAdapter{RootDir: root, target: target, overwrite: overwrite}
	if err := a.CleanTempFiles(tempGracePeriod); err != nil {
		slog.Warn("Failed to clean temp files", "target", target, "error", err)
	}
	slog.Info("Local adapter initialized", "target", target, "root", root)
	return a, nil
}

func newLocalFromOptions(_ context.Context, target string, opts Options) (Adapter, error) {
	root, err := opts.Required("root")
	if err != nil {
		return nil, err
	}
	createRoot, err := opts.Bool("create_root", false)
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}
	return NewLocalAdapter(target, root, createRoot, overwrite)
}

// Kind returns "local".
func (a *LocalAdapter) Kind() string { return "local" }

// CleanTempFiles removes temp files older than maxAge. Any temp file left
// behind indicates an incomplete write from a crash or an abandoned write
// stream.
func (a *LocalAdapter) CleanTempFiles(maxAge time.Duration) error {
	tmpDir := a.tmpDir()
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		os.Remove(filepath.Join(tmpDir, entry.Name()))
	}
	return nil
}

func (a *LocalAdapter) tmpDir() string {
	return filepath.Join(a.RootDir, tempDirName)
}

// resolve canonicalizes path within the root. The root itself and the temp
// directory are rejected.
func (a *LocalAdapter) resolve(op, path string) (string, error) {
	p, err := pathutil.CanonicalizeWithin(a.RootDir, path)
	if err != nil {
		return "", invalidPath(op, a.target, path, err)
	}
	if p == a.RootDir {
		return "", invalidPath(op, a.target, path, fmt.Errorf("resolves to the storage root: %w", errReservedPath))
	}
	if pathutil.IsWithin(a.tmpDir(), p) {
		return "", invalidPath(op, a.target, path, errReservedPath)
	}
	return p, nil
}

// writeTemp copies r into a new fsynced temp file and returns its path.
func (a *LocalAdapter) writeTemp(r io.Reader) (string, error) {
	tmpPath := filepath.Join(a.tmpDir(), "tmp-"+uid.New())
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return tmpPath, nil
}

// publish moves the temp file to dst. Without overwrite it hard-links so an
// existing destination, including one created concurrently, is never
// replaced; fs.ErrExist is returned in that case. The temp file is gone
// when publish returns.
func (a *LocalAdapter) publish(tmpPath, dst string, overwrite bool) error {
	defer os.Remove(tmpPath)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}
	if overwrite {
		if err := os.Rename(tmpPath, dst); err != nil {
			return fmt.Errorf("renaming temp file to final path: %w", err)
		}
		return nil
	}

	err := os.Link(tmpPath, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return fs.ErrExist
	}
	// Hard links unsupported on this filesystem.
	if _, statErr := os.Lstat(dst); statErr == nil {
		return fs.ErrExist
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

func (a *LocalAdapter) exists(p string) (bool, error) {
	_, err := os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

// Put writes content using the temp file, fsync, publish sequence.
func (a *LocalAdapter) Put(ctx context.Context, path string, content []byte) error {
	p, err := a.resolve(opPut, path)
	if err != nil {
		return err
	}
	if !a.overwrite {
		ok, err := a.exists(p)
		if err != nil {
			return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, err)
		}
		if ok {
			return ferrors.New(ferrors.KindAlreadyExists, opPut, a.target, path, nil)
		}
	}

	tmpPath, err := a.writeTemp(bytes.NewReader(content))
	if err != nil {
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, err)
	}
	if err := a.publish(tmpPath, p, a.overwrite); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ferrors.New(ferrors.KindAlreadyExists, opPut, a.target, path, nil)
		}
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, err)
	}
	slog.Debug("Local put", "target", a.target, "path", p, "size", len(content))
	return nil
}

// Get reads the whole file. Directories are reported as NotFound.
func (a *LocalAdapter) Get(ctx context.Context, path string) ([]byte, error) {
	p, err := a.resolve(opGet, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if isNotExist(err) {
			return nil, ferrors.New(ferrors.KindNotFound, opGet, a.target, path, err)
		}
		return nil, ferrors.New(ferrors.KindReadFailed, opGet, a.target, path, err)
	}
	if info.IsDir() {
		return nil, ferrors.New(ferrors.KindNotFound, opGet, a.target, path, fmt.Errorf("%s is a directory", path))
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, ferrors.New(ferrors.KindReadFailed, opGet, a.target, path, err)
	}
	return data, nil
}

// Exists reports whether a file or directory exists at path.
func (a *LocalAdapter) Exists(ctx context.Context, path string) (bool, error) {
	p, err := a.resolve(opExists, path)
	if err != nil {
		return false, err
	}
	ok, err := a.exists(p)
	if err != nil {
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	return ok, nil
}

// Delete removes a file, or a directory with its contents, then removes
// parent directories left empty up to the root.
func (a *LocalAdapter) Delete(ctx context.Context, path string) error {
	p, err := a.resolve(opDelete, path)
	if err != nil {
		return err
	}
	info, err := os.Lstat(p)
	if err != nil {
		if isNotExist(err) {
			return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, err)
		}
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(p)
	} else {
		err = os.Remove(p)
	}
	if err != nil {
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}

	cleanEmptyParents(filepath.Dir(p), a.RootDir)
	return nil
}

// Rename moves src to dst. A regular file is hard-linked to dst and then
// unlinked, so a destination created after the existence check is never
// replaced. Directories, and filesystems without hard links, use
// os.Rename, which can still replace a destination that appears between
// the check and the rename.
func (a *LocalAdapter) Rename(ctx context.Context, src, dst string) error {
	srcPath, err := a.resolve(opRename, src)
	if err != nil {
		return err
	}
	dstPath, err := a.resolve(opRename, dst)
	if err != nil {
		return err
	}

	ok, err := a.exists(dstPath)
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, opRename, a.target, dst, err)
	}
	if ok {
		return ferrors.New(ferrors.KindAlreadyExists, opRename, a.target, dst, nil)
	}
	ok, err = a.exists(srcPath)
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, opRename, a.target, src, err)
	}
	if !ok {
		return ferrors.New(ferrors.KindNotFound, opRename, a.target, src, nil)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return ferrors.New(ferrors.KindOperationFailed, opRename, a.target, dst, err)
	}
	if err := moveNoReplace(srcPath, dstPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ferrors.New(ferrors.KindAlreadyExists, opRename, a.target, dst, nil)
		}
		return ferrors.New(ferrors.KindOperationFailed, opRename, a.target, src, err)
	}
	cleanEmptyParents(filepath.Dir(srcPath), a.RootDir)
	return nil
}

// moveNoReplace moves a regular file by linking it to dst and removing
// src. It returns fs.ErrExist when dst exists.
func moveNoReplace(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return os.Rename(src, dst)
	}
	err = os.Link(src, dst)
	if errors.Is(err, fs.ErrExist) {
		return fs.ErrExist
	}
	if err != nil {
		// Hard links unsupported on this filesystem.
		if _, statErr := os.Lstat(dst); statErr == nil {
			return fs.ErrExist
		}
		return os.Rename(src, dst)
	}
	if err := os.Remove(src); err != nil {
		os.Remove(dst)
		return fmt.Errorf("removing source after link: %w", err)
	}
	return nil
}

// Copy duplicates a regular file through a temp file.
func (a *LocalAdapter) Copy(ctx context.Context, src, dst string) error {
	srcPath, err := a.resolve(opCopy, src)
	if err != nil {
		return err
	}
	dstPath, err := a.resolve(opCopy, dst)
	if err != nil {
		return err
	}

	ok, err := a.exists(dstPath)
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, opCopy, a.target, dst, err)
	}
	if ok {
		return ferrors.New(ferrors.KindAlreadyExists, opCopy, a.target, dst, nil)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		if isNotExist(err) {
			return ferrors.New(ferrors.KindNotFound, opCopy, a.target, src, err)
		}
		return ferrors.New(ferrors.KindOperationFailed, opCopy, a.target, src, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, opCopy, a.target, src, err)
	}
	if info.IsDir() {
		return ferrors.New(ferrors.KindOperationFailed, opCopy, a.target, src, fmt.Errorf("%s is a directory", src))
	}

	tmpPath, err := a.writeTemp(f)
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, opCopy, a.target, dst, err)
	}
	if err := a.publish(tmpPath, dstPath, false); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ferrors.New(ferrors.KindAlreadyExists, opCopy, a.target, dst, nil)
		}
		return ferrors.New(ferrors.KindOperationFailed, opCopy, a.target, dst, err)
	}
	return nil
}

// OpenReadStream opens the file for reading.
func (a *LocalAdapter) OpenReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	p, err := a.resolve(opReadStream, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if isNotExist(err) {
			return nil, ferrors.New(ferrors.KindNotFound, opReadStream, a.target, path, err)
		}
		return nil, ferrors.New(ferrors.KindOpenFailed, opReadStream, a.target, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ferrors.New(ferrors.KindOpenFailed, opReadStream, a.target, path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, ferrors.New(ferrors.KindNotFound, opReadStream, a.target, path, fmt.Errorf("%s is a directory", path))
	}
	return f, nil
}

// OpenWriteStream returns a handle writing into a temp file that is
// published at path on Close.
func (a *LocalAdapter) OpenWriteStream(ctx context.Context, path string) (io.WriteCloser, error) {
	p, err := a.resolve(opWriteStream, path)
	if err != nil {
		return nil, err
	}
	if !a.overwrite {
		ok, err := a.exists(p)
		if err != nil {
			return nil, ferrors.New(ferrors.KindOpenFailed, opWriteStream, a.target, path, err)
		}
		if ok {
			return nil, ferrors.New(ferrors.KindAlreadyExists, opWriteStream, a.target, path, nil)
		}
	}

	tmpPath := filepath.Join(a.tmpDir(), "tmp-"+uid.New())
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, ferrors.New(ferrors.KindOpenFailed, opWriteStream, a.target, path, err)
	}
	return &localWriteStream{
		file:      f,
		tmpPath:   tmpPath,
		dst:       p,
		path:      path,
		target:    a.target,
		overwrite: a.overwrite,
		publish:   a.publish,
	}, nil
}

// HealthCheck verifies that the root directory is accessible.
func (a *LocalAdapter) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(a.RootDir)
	return err
}

// localWriteStream is the handle returned by OpenWriteStream. It holds no
// reference to the adapter beyond the publish function.
type localWriteStream struct {
	file      *os.File
	tmpPath   string
	dst       string
	path      string
	target    string
	overwrite bool
	publish   func(tmpPath, dst string, overwrite bool) error

	once sync.Once
	err  error
}

func (w *localWriteStream) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// Close fsyncs the temp file and publishes it.
func (w *localWriteStream) Close() error {
	w.once.Do(func() {
		if err := w.file.Sync(); err != nil {
			w.file.Close()
			os.Remove(w.tmpPath)
			w.err = ferrors.New(ferrors.KindWriteFailed, opWriteStream, w.target, w.path, err)
			return
		}
		if err := w.file.Close(); err != nil {
			os.Remove(w.tmpPath)
			w.err = ferrors.New(ferrors.KindWriteFailed, opWriteStream, w.target, w.path, err)
			return
		}
		if err := w.publish(w.tmpPath, w.dst, w.overwrite); err != nil {
			kind := ferrors.KindWriteFailed
			if errors.Is(err, fs.ErrExist) {
				kind = ferrors.KindAlreadyExists
			}
			w.err = ferrors.New(kind, opWriteStream, w.target, w.path, err)
		}
	})
	return w.err
}

// Abort discards the temp file without publishing.
func (w *localWriteStream) Abort() error {
	w.once.Do(func() {
		w.file.Close()
		os.Remove(w.tmpPath)
	})
	return nil
}

// cleanEmptyParents removes empty directories starting from dir up to (but not
// including) stopAt. This is useful for cleaning up after deletion when
// paths contain "/" separators that create subdirectories.
func cleanEmptyParents(dir, stopAt string) {
	// Normalize paths for comparison.
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}
