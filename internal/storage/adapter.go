// Package storage provides filestore's adapter layer: a uniform file API
// over interchangeable backends, the factory that builds and caches one
// adapter per configured target, and the Storage facade calling code uses.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	ferrors "github.com/bleepstore/filestore/internal/errors"
	"github.com/bleepstore/filestore/internal/pathutil"
)

// Operation names used in errors, logs and metric labels.
const (
	opPut         = "put"
	opGet         = "get"
	opExists      = "exists"
	opDelete      = "delete"
	opRename      = "rename"
	opCopy        = "copy"
	opReadStream  = "read_stream"
	opWriteStream = "write_stream"
)

// Adapter is the mandatory capability set every storage backend provides.
// Paths are interpreted relative to the adapter's root and canonicalized
// before any backend call. All methods must be safe for concurrent use.
type Adapter interface {
	// Put writes content to path. It fails with AlreadyExists when the path
	// exists and the adapter is not configured to overwrite.
	Put(ctx context.Context, path string, content []byte) error

	// Get returns the full content of the file at path.
	Get(ctx context.Context, path string) ([]byte, error)

	// Exists reports whether path exists. A missing path is not an error.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes the file at path.
	Delete(ctx context.Context, path string) error

	// Rename moves src to dst. The destination is checked first: if it
	// exists the call fails with AlreadyExists and neither path changes.
	Rename(ctx context.Context, src, dst string) error

	// Copy duplicates src to dst with the same precondition order as Rename.
	Copy(ctx context.Context, src, dst string) error

	// Kind returns the adapter kind name (e.g., "local", "s3").
	Kind() string
}

// Streamer is the optional streaming capability. Callers discover it with a
// type assertion or SupportsStreaming.
type Streamer interface {
	// OpenReadStream returns a handle positioned at the start of the file.
	// The caller must close it.
	OpenReadStream(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWriteStream returns a handle that creates the file at path. The
	// file becomes visible when the handle is closed.
	OpenWriteStream(ctx context.Context, path string) (io.WriteCloser, error)
}

// Aborter is implemented by write stream handles that can be discarded
// without publishing what was written so far.
type Aborter interface {
	Abort() error
}

// HealthChecker is implemented by adapters that can verify their backend is
// reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SupportsStreaming reports whether a implements Streamer.
func SupportsStreaming(a Adapter) bool {
	_, ok := a.(Streamer)
	return ok
}

// invalidPath wraps a canonicalization failure.
func invalidPath(op, target, path string, err error) error {
	return ferrors.New(ferrors.KindInvalidPath, op, target, path, err)
}

// keyspace maps caller paths to backend object keys for adapters without a
// filesystem. Keys are canonicalized against a virtual root and then
// prefixed.
type keyspace struct {
	target string
	prefix string
}

func newKeyspace(target, prefix string) (keyspace, error) {
	if prefix != "" {
		p, err := pathutil.Lexical(prefix)
		if err != nil {
			return keyspace{}, fmt.Errorf("invalid prefix %q: %w", prefix, err)
		}
		prefix = p + "/"
	}
	return keyspace{target: target, prefix: prefix}, nil
}

// key returns the backend key for path or an InvalidPath error.
func (k keyspace) key(op, path string) (string, error) {
	p, err := pathutil.Lexical(path)
	if err != nil {
		return "", invalidPath(op, k.target, path, err)
	}
	return k.prefix + p, nil
}

// docID encodes key as a document ID for stores whose IDs may not contain
// slashes.
func docID(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// isNotExist reports whether err is a filesystem not-exist error.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}
