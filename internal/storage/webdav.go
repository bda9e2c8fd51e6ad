package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

// WebDAVAPI is the subset of the gowebdav client the adapter uses.
// *gowebdav.Client satisfies it directly.
type WebDAVAPI interface {
	Connect() error
	Stat(path string) (os.FileInfo, error)
	Read(path string) ([]byte, error)
	ReadStream(path string) (io.ReadCloser, error)
	Write(path string, data []byte, perm os.FileMode) error
	WriteStream(path string, stream io.Reader, perm os.FileMode) error
	Remove(path string) error
	Rename(oldpath, newpath string, overwrite bool) error
	Copy(oldpath, newpath string, overwrite bool) error
}

var _ WebDAVAPI = (*gowebdav.Client)(nil)

const webdavFileMode = 0o644

// WebDAVAdapter stores files on a WebDAV server under an optional prefix.
//
// The gowebdav client takes no context, so cancellation is only observed
// between calls. WebDAV has no conditional PUT in this client; without
// overwrite, Put checks the path first and a concurrent writer can still
// win the race. MOVE and COPY are sent with Overwrite: F, which the server
// enforces.
type WebDAVAdapter struct {
	// URL is the WebDAV server root.
	URL string

	target    string
	keys      keyspace
	overwrite bool
	client    WebDAVAPI
}

var (
	_ Adapter       = (*WebDAVAdapter)(nil)
	_ Streamer      = (*WebDAVAdapter)(nil)
	_ HealthChecker = (*WebDAVAdapter)(nil)
)

// WebDAVOptions configures a WebDAVAdapter.
type WebDAVOptions struct {
	URL       string
	Username  string
	Password  string
	Prefix    string
	Timeout   time.Duration
	Overwrite bool
}

// NewWebDAVAdapter connects to the server and verifies the credentials.
func NewWebDAVAdapter(ctx context.Context, target string, opts WebDAVOptions) (*WebDAVAdapter, error) {
	client := gowebdav.NewClient(opts.URL, opts.Username, opts.Password)
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	a, err := NewWebDAVAdapterWithClient(target, opts, client)
	if err != nil {
		return nil, err
	}
	if err := a.HealthCheck(ctx); err != nil {
		if gowebdav.IsErrCode(err, http.StatusUnauthorized) {
			return nil, fmt.Errorf("WebDAV authentication failed at %s: %w", opts.URL, err)
		}
		return nil, fmt.Errorf("cannot connect to WebDAV server at %s: %w", opts.URL, err)
	}

	slog.Info("WebDAV adapter initialized", "target", target, "url", opts.URL, "prefix", opts.Prefix)
	return a, nil
}

// NewWebDAVAdapterWithClient creates a WebDAVAdapter with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewWebDAVAdapterWithClient(target string, opts WebDAVOptions, client WebDAVAPI) (*WebDAVAdapter, error) {
	keys, err := newKeyspace(target, opts.Prefix)
	if err != nil {
		return nil, err
	}
	return &WebDAVAdapter{
		URL:       opts.URL,
		target:    target,
		keys:      keys,
		overwrite: opts.Overwrite,
		client:    client,
	}, nil
}

func newWebDAVFromOptions(ctx context.Context, target string, opts Options) (Adapter, error) {
	url, err := opts.Required("url")
	if err != nil {
		return nil, err
	}
	timeout, err := opts.Duration("timeout", 0)
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}
	return NewWebDAVAdapter(ctx, target, WebDAVOptions{
		URL:       url,
		Username:  opts.String("username", ""),
		Password:  opts.String("password", ""),
		Prefix:    opts.String("prefix", ""),
		Timeout:   timeout,
		Overwrite: overwrite,
	})
}

// Kind returns "webdav".
func (a *WebDAVAdapter) Kind() string { return "webdav" }

// remote returns the server path for path.
func (a *WebDAVAdapter) remote(op, path string) (string, error) {
	key, err := a.keys.key(op, path)
	if err != nil {
		return "", err
	}
	return "/" + key, nil
}

func (a *WebDAVAdapter) exists(remote string) (bool, error) {
	if _, err := a.client.Stat(remote); err != nil {
		if isWebDAVNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Put uploads content with a single PUT.
func (a *WebDAVAdapter) Put(ctx context.Context, path string, content []byte) error {
	remote, err := a.remote(opPut, path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, err)
	}
	if !a.overwrite {
		ok, err := a.exists(remote)
		if err != nil {
			return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, err)
		}
		if ok {
			return ferrors.New(ferrors.KindAlreadyExists, opPut, a.target, path, nil)
		}
	}
	if err := a.client.Write(remote, content, webdavFileMode); err != nil {
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, fmt.Errorf("writing to WebDAV: %w", err))
	}
	return nil
}

// Get reads the whole file.
func (a *WebDAVAdapter) Get(ctx context.Context, path string) ([]byte, error) {
	remote, err := a.remote(opGet, path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, ferrors.New(ferrors.KindReadFailed, opGet, a.target, path, err)
	}
	data, err := a.client.Read(remote)
	if err != nil {
		if isWebDAVNotFound(err) {
			return nil, ferrors.New(ferrors.KindNotFound, opGet, a.target, path, err)
		}
		return nil, ferrors.New(ferrors.KindReadFailed, opGet, a.target, path, fmt.Errorf("reading from WebDAV: %w", err))
	}
	return data, nil
}

// Exists issues a PROPFIND on the path. Collections count as existing.
func (a *WebDAVAdapter) Exists(ctx context.Context, path string) (bool, error) {
	remote, err := a.remote(opExists, path)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	ok, err := a.exists(remote)
	if err != nil {
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	return ok, nil
}

// Delete removes the path. The client treats a 404 on DELETE as success,
// so existence is checked first.
func (a *WebDAVAdapter) Delete(ctx context.Context, path string) error {
	remote, err := a.remote(opDelete, path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	ok, err := a.exists(remote)
	if err != nil {
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	if !ok {
		return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, nil)
	}
	if err := a.client.Remove(remote); err != nil {
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	return nil
}

// Rename issues a MOVE without overwrite.
func (a *WebDAVAdapter) Rename(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, opRename, src, dst, a.client.Rename)
}

// Copy issues a COPY without overwrite.
func (a *WebDAVAdapter) Copy(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, opCopy, src, dst, a.client.Copy)
}

func (a *WebDAVAdapter) transfer(ctx context.Context, op, src, dst string, do func(oldpath, newpath string, overwrite bool) error) error {
	srcRemote, err := a.remote(op, src)
	if err != nil {
		return err
	}
	dstRemote, err := a.remote(op, dst)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}

	ok, err := a.exists(dstRemote)
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, dst, err)
	}
	if ok {
		return ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, nil)
	}
	ok, err = a.exists(srcRemote)
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	if !ok {
		return ferrors.New(ferrors.KindNotFound, op, a.target, src, nil)
	}

	if err := do(srcRemote, dstRemote, false); err != nil {
		switch {
		case gowebdav.IsErrCode(err, http.StatusPreconditionFailed):
			return ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, err)
		case isWebDAVNotFound(err):
			return ferrors.New(ferrors.KindNotFound, op, a.target, src, err)
		default:
			return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
		}
	}
	return nil
}

// OpenReadStream returns the GET response body.
func (a *WebDAVAdapter) OpenReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	remote, err := a.remote(opReadStream, path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, ferrors.New(ferrors.KindOpenFailed, opReadStream, a.target, path, err)
	}
	rc, err := a.client.ReadStream(remote)
	if err != nil {
		if isWebDAVNotFound(err) {
			return nil, ferrors.New(ferrors.KindNotFound, opReadStream, a.target, path, err)
		}
		return nil, ferrors.New(ferrors.KindOpenFailed, opReadStream, a.target, path, err)
	}
	return rc, nil
}

// OpenWriteStream pipes writes into a streaming PUT. Close waits for the
// server's response. The client takes no context, so an abandoned handle
// holds its request open until ctx is cancelled, which fails the upload
// and leaves nothing on the server.
func (a *WebDAVAdapter) OpenWriteStream(ctx context.Context, path string) (io.WriteCloser, error) {
	remote, err := a.remote(opWriteStream, path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, ferrors.New(ferrors.KindOpenFailed, opWriteStream, a.target, path, err)
	}
	if !a.overwrite {
		ok, err := a.exists(remote)
		if err != nil {
			return nil, ferrors.New(ferrors.KindOpenFailed, opWriteStream, a.target, path, err)
		}
		if ok {
			return nil, ferrors.New(ferrors.KindAlreadyExists, opWriteStream, a.target, path, nil)
		}
	}

	w := newPipeWriter(ctx, func(r io.Reader) error {
		return a.client.WriteStream(remote, r, webdavFileMode)
	})
	return &mappedWriter{
		WriteCloser: w,
		mapErr: func(err error) error {
			return ferrors.New(ferrors.KindWriteFailed, opWriteStream, a.target, path, fmt.Errorf("writing to WebDAV: %w", err))
		},
	}, nil
}

// HealthCheck sends an authenticated PROPFIND to the server root.
func (a *WebDAVAdapter) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.client.Connect()
}

// isWebDAVNotFound checks if a gowebdav error indicates a missing path.
func isWebDAVNotFound(err error) bool {
	if err == nil {
		return false
	}
	if gowebdav.IsErrNotFound(err) || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	return strings.Contains(err.Error(), "404")
}
