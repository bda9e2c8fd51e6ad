package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

// GCSAPI defines the subset of the GCS client interface that the adapter
// uses. This allows mocking in tests. mustNotExist asks the backend to fail
// the write with a precondition error when the object already exists.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string, mustNotExist bool) GCSWriter
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Copy copies a GCS object from src to dst within the same bucket.
	Copy(ctx context.Context, bucket, srcObject, dstObject string, mustNotExist bool) (*GCSAttrs, error)
	// ListObjects lists up to limit object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]string, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
	MD5  []byte // raw MD5 hash bytes
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) object(bucket, object string, mustNotExist bool) *gcs.ObjectHandle {
	o := c.client.Bucket(bucket).Object(object)
	if mustNotExist {
		o = o.If(gcs.Conditions{DoesNotExist: true})
	}
	return o
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, mustNotExist bool) GCSWriter {
	return c.object(bucket, object, mustNotExist).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{
		Size: attrs.Size,
		MD5:  attrs.MD5,
	}, nil
}

func (c *realGCSClient) Copy(ctx context.Context, bucket, srcObject, dstObject string, mustNotExist bool) (*GCSAttrs, error) {
	src := c.client.Bucket(bucket).Object(srcObject)
	dst := c.object(bucket, dstObject, mustNotExist)
	attrs, err := dst.CopierFrom(src).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{
		Size: attrs.Size,
		MD5:  attrs.MD5,
	}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for limit <= 0 || len(names) < limit {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCSAdapter stores files as objects in one Google Cloud Storage bucket
// under an optional prefix.
//
// Without overwrite, writes carry a does-not-exist precondition, so a
// concurrently created object is never replaced. Write streams use the
// SDK's resumable writer; an abandoned handle is never finalized and leaves
// no object.
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
type GCSAdapter struct {
	// Bucket is the GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string

	target    string
	keys      keyspace
	overwrite bool
	client    GCSAPI
}

var (
	_ Adapter       = (*GCSAdapter)(nil)
	_ Streamer      = (*GCSAdapter)(nil)
	_ HealthChecker = (*GCSAdapter)(nil)
)

// GCSOptions configures a GCSAdapter.
type GCSOptions struct {
	Bucket    string
	Project   string
	Prefix    string
	Overwrite bool
}

// NewGCSAdapter creates a GCSAdapter using Application Default Credentials
// and verifies the bucket is accessible.
func NewGCSAdapter(ctx context.Context, target string, opts GCSOptions) (*GCSAdapter, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	a, err := NewGCSAdapterWithClient(target, opts, &realGCSClient{client: client})
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := a.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("GCS adapter initialized", "target", target, "bucket", opts.Bucket, "project", opts.Project, "prefix", opts.Prefix)
	return a, nil
}

// NewGCSAdapterWithClient creates a GCSAdapter with a pre-configured GCS
// client. This is primarily used for testing with mock clients.
func NewGCSAdapterWithClient(target string, opts GCSOptions, client GCSAPI) (*GCSAdapter, error) {
	keys, err := newKeyspace(target, opts.Prefix)
	if err != nil {
		return nil, err
	}
	return &GCSAdapter{
		Bucket:    opts.Bucket,
		Project:   opts.Project,
		target:    target,
		keys:      keys,
		overwrite: opts.Overwrite,
		client:    client,
	}, nil
}

func newGCSFromOptions(ctx context.Context, target string, opts Options) (Adapter, error) {
	bucket, err := opts.Required("bucket")
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}
	return NewGCSAdapter(ctx, target, GCSOptions{
		Bucket:    bucket,
		Project:   opts.String("project", ""),
		Prefix:    opts.String("prefix", ""),
		Overwrite: overwrite,
	})
}

// Kind returns "gcs".
func (a *GCSAdapter) Kind() string { return "gcs" }

func (a *GCSAdapter) exists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.Attrs(ctx, a.Bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Put writes content with a single writer.
func (a *GCSAdapter) Put(ctx context.Context, path string, content []byte) error {
	key, err := a.keys.key(opPut, path)
	if err != nil {
		return err
	}

	w := a.client.NewWriter(ctx, a.Bucket, key, !a.overwrite)
	if _, err := w.Write(content); err != nil {
		w.Close()
		return a.writeError(opPut, path, err)
	}
	if err := w.Close(); err != nil {
		return a.writeError(opPut, path, err)
	}
	return nil
}

func (a *GCSAdapter) writeError(op, path string, err error) error {
	if isGCSPreconditionFailed(err) {
		return ferrors.New(ferrors.KindAlreadyExists, op, a.target, path, err)
	}
	return ferrors.New(ferrors.KindWriteFailed, op, a.target, path, fmt.Errorf("writing to GCS: %w", err))
}

// Get reads the whole object.
func (a *GCSAdapter) Get(ctx context.Context, path string) ([]byte, error) {
	rc, err := a.open(ctx, opGet, path, ferrors.KindReadFailed)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ferrors.New(ferrors.KindReadFailed, opGet, a.target, path, err)
	}
	return data, nil
}

func (a *GCSAdapter) open(ctx context.Context, op, path string, failKind ferrors.Kind) (io.ReadCloser, error) {
	key, err := a.keys.key(op, path)
	if err != nil {
		return nil, err
	}
	rc, err := a.client.NewReader(ctx, a.Bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, ferrors.New(ferrors.KindNotFound, op, a.target, path, err)
		}
		return nil, ferrors.New(failKind, op, a.target, path, fmt.Errorf("reading from GCS: %w", err))
	}
	return rc, nil
}

// Exists fetches the object attributes.
func (a *GCSAdapter) Exists(ctx context.Context, path string) (bool, error) {
	key, err := a.keys.key(opExists, path)
	if err != nil {
		return false, err
	}
	ok, err := a.exists(ctx, key)
	if err != nil {
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	return ok, nil
}

// Delete removes the object.
func (a *GCSAdapter) Delete(ctx context.Context, path string) error {
	key, err := a.keys.key(opDelete, path)
	if err != nil {
		return err
	}
	if err := a.client.Delete(ctx, a.Bucket, key); err != nil {
		if isGCSNotFound(err) {
			return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, err)
		}
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	return nil
}

// Rename copies src to dst server-side and deletes src.
func (a *GCSAdapter) Rename(ctx context.Context, src, dst string) error {
	srcKey, err := a.copyChecked(ctx, opRename, src, dst)
	if err != nil {
		return err
	}
	if err := a.client.Delete(ctx, a.Bucket, srcKey); err != nil && !isGCSNotFound(err) {
		return ferrors.New(ferrors.KindOperationFailed, opRename, a.target, src, err)
	}
	return nil
}

// Copy performs a server-side copy.
func (a *GCSAdapter) Copy(ctx context.Context, src, dst string) error {
	_, err := a.copyChecked(ctx, opCopy, src, dst)
	return err
}

// copyChecked checks the destination, then the source, then copies with a
// does-not-exist precondition on the destination. It returns the source
// key.
func (a *GCSAdapter) copyChecked(ctx context.Context, op, src, dst string) (string, error) {
	srcKey, err := a.keys.key(op, src)
	if err != nil {
		return "", err
	}
	dstKey, err := a.keys.key(op, dst)
	if err != nil {
		return "", err
	}

	ok, err := a.exists(ctx, dstKey)
	if err != nil {
		return "", ferrors.New(ferrors.KindOperationFailed, op, a.target, dst, err)
	}
	if ok {
		return "", ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, nil)
	}

	if _, err := a.client.Copy(ctx, a.Bucket, srcKey, dstKey, true); err != nil {
		switch {
		case isGCSPreconditionFailed(err):
			return "", ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, err)
		case isGCSNotFound(err):
			return "", ferrors.New(ferrors.KindNotFound, op, a.target, src, err)
		default:
			return "", ferrors.New(ferrors.KindOperationFailed, op, a.target, src, fmt.Errorf("copying object in GCS: %w", err))
		}
	}
	return srcKey, nil
}

// OpenReadStream returns the object reader.
func (a *GCSAdapter) OpenReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	return a.open(ctx, opReadStream, path, ferrors.KindOpenFailed)
}

// OpenWriteStream returns the SDK writer. The object is finalized on Close;
// Abort cancels the upload.
func (a *GCSAdapter) OpenWriteStream(ctx context.Context, path string) (io.WriteCloser, error) {
	key, err := a.keys.key(opWriteStream, path)
	if err != nil {
		return nil, err
	}
	if !a.overwrite {
		ok, err := a.exists(ctx, key)
		if err != nil {
			return nil, ferrors.New(ferrors.KindOpenFailed, opWriteStream, a.target, path, err)
		}
		if ok {
			return nil, ferrors.New(ferrors.KindAlreadyExists, opWriteStream, a.target, path, nil)
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	w := a.client.NewWriter(wctx, a.Bucket, key, !a.overwrite)
	return &gcsWriteStream{
		w:      w,
		cancel: cancel,
		mapErr: func(err error) error { return a.writeError(opWriteStream, path, err) },
	}, nil
}

// HealthCheck lists at most one object to verify bucket access.
func (a *GCSAdapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.ListObjects(ctx, a.Bucket, a.keys.prefix, 1)
	return err
}

type gcsWriteStream struct {
	w      GCSWriter
	cancel context.CancelFunc
	mapErr func(error) error

	once sync.Once
	err  error
}

func (s *gcsWriteStream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *gcsWriteStream) Close() error {
	s.once.Do(func() {
		if err := s.w.Close(); err != nil {
			s.err = s.mapErr(err)
		}
		s.cancel()
	})
	return s.err
}

func (s *gcsWriteStream) Abort() error {
	s.once.Do(func() {
		s.cancel()
		s.w.Close()
	})
	return nil
}

// isGCSNotFound checks if a GCS error indicates a not-found condition.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return true
	}
	return false
}

// isGCSPreconditionFailed checks for a failed does-not-exist precondition.
func isGCSPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusPreconditionFailed
	}
	// Check error message as fallback for the gRPC transport.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "precondition")
}
