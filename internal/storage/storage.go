package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

// Resolver returns the adapter for a target name. *Factory implements it.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Adapter, error)
}

var _ Resolver = (*Factory)(nil)

// Storage is the handle calling code uses for one named target. The adapter
// is resolved on first use and reused afterwards; a failed resolution is not
// remembered.
type Storage struct {
	resolver Resolver
	name     string

	mu      sync.Mutex
	adapter Adapter
}

// NewStorage returns a Storage for the named target. Nothing is resolved
// until the first operation.
func NewStorage(r Resolver, name string) *Storage {
	return &Storage{resolver: r, name: name}
}

// Name returns the target name.
func (s *Storage) Name() string { return s.name }

func (s *Storage) resolve(ctx context.Context) (Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter != nil {
		return s.adapter, nil
	}
	a, err := s.resolver.Resolve(ctx, s.name)
	if err != nil {
		return nil, err
	}
	s.adapter = a
	return a, nil
}

func (s *Storage) streamer(ctx context.Context, op, path string) (Streamer, error) {
	a, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	st, ok := a.(Streamer)
	if !ok {
		return nil, ferrors.New(ferrors.KindCapabilityNotSupported, op, s.name, path,
			fmt.Errorf("%s adapter does not support streaming", a.Kind()))
	}
	return st, nil
}

// Put writes content to path.
func (s *Storage) Put(ctx context.Context, path string, content []byte) error {
	a, err := s.resolve(ctx)
	if err != nil {
		return err
	}
	return a.Put(ctx, path, content)
}

// Get returns the content of path.
func (s *Storage) Get(ctx context.Context, path string) ([]byte, error) {
	a, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return a.Get(ctx, path)
}

// Exists reports whether path exists.
func (s *Storage) Exists(ctx context.Context, path string) (bool, error) {
	a, err := s.resolve(ctx)
	if err != nil {
		return false, err
	}
	return a.Exists(ctx, path)
}

// Delete removes path.
func (s *Storage) Delete(ctx context.Context, path string) error {
	a, err := s.resolve(ctx)
	if err != nil {
		return err
	}
	return a.Delete(ctx, path)
}

// Rename moves src to dst.
func (s *Storage) Rename(ctx context.Context, src, dst string) error {
	a, err := s.resolve(ctx)
	if err != nil {
		return err
	}
	return a.Rename(ctx, src, dst)
}

// Copy duplicates src to dst.
func (s *Storage) Copy(ctx context.Context, src, dst string) error {
	a, err := s.resolve(ctx)
	if err != nil {
		return err
	}
	return a.Copy(ctx, src, dst)
}

// SupportsStreaming reports whether the target's adapter can stream.
func (s *Storage) SupportsStreaming(ctx context.Context) (bool, error) {
	a, err := s.resolve(ctx)
	if err != nil {
		return false, err
	}
	return SupportsStreaming(a), nil
}

// OpenReadStream opens path for reading. It fails with
// CapabilityNotSupported when the adapter cannot stream.
func (s *Storage) OpenReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	st, err := s.streamer(ctx, opReadStream, path)
	if err != nil {
		return nil, err
	}
	return st.OpenReadStream(ctx, path)
}

// OpenWriteStream opens path for writing. It fails with
// CapabilityNotSupported when the adapter cannot stream.
func (s *Storage) OpenWriteStream(ctx context.Context, path string) (io.WriteCloser, error) {
	st, err := s.streamer(ctx, opWriteStream, path)
	if err != nil {
		return nil, err
	}
	return st.OpenWriteStream(ctx, path)
}

// WriteStream copies r into a new file at path and returns the number of
// bytes written. If the copy fails the handle is aborted and nothing is
// published.
func (s *Storage) WriteStream(ctx context.Context, path string, r io.Reader) (int64, error) {
	w, err := s.OpenWriteStream(ctx, path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		if a, ok := w.(Aborter); ok {
			a.Abort()
		}
		return n, ferrors.New(ferrors.KindWriteFailed, opWriteStream, s.name, path, err)
	}
	if err := w.Close(); err != nil {
		return n, err
	}
	return n, nil
}
