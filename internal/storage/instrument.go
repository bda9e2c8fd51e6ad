package storage

import (
	"context"
	"io"
	"log/slog"
	"time"

	ferrors "github.com/bleepstore/filestore/internal/errors"
	"github.com/bleepstore/filestore/internal/metrics"
)

// instrument wraps a with Prometheus instrumentation. The returned value
// implements Streamer exactly when a does.
func instrument(target string, a Adapter) Adapter {
	base := &instrumented{inner: a, target: target}
	if s, ok := a.(Streamer); ok {
		return &instrumentedStreamer{instrumented: base, streamer: s}
	}
	return base
}

// instrumented records operation counts and latencies for one target.
type instrumented struct {
	inner  Adapter
	target string
}

// observe records the outcome of one adapter call.
func (i *instrumented) observe(op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(ferrors.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		slog.Debug("storage operation failed", "target", i.target, "op", op, "error", err)
	}
	metrics.StorageOperationsTotal.WithLabelValues(i.target, op, outcome).Inc()
	metrics.StorageOperationDuration.WithLabelValues(i.target, op).Observe(time.Since(start).Seconds())
}

// Unwrap returns the wrapped adapter.
func (i *instrumented) Unwrap() Adapter { return i.inner }

func (i *instrumented) Kind() string { return i.inner.Kind() }

func (i *instrumented) Put(ctx context.Context, path string, content []byte) (err error) {
	defer func(start time.Time) { i.observe(opPut, start, err) }(time.Now())
	return i.inner.Put(ctx, path, content)
}

func (i *instrumented) Get(ctx context.Context, path string) (data []byte, err error) {
	defer func(start time.Time) { i.observe(opGet, start, err) }(time.Now())
	return i.inner.Get(ctx, path)
}

func (i *instrumented) Exists(ctx context.Context, path string) (ok bool, err error) {
	defer func(start time.Time) { i.observe(opExists, start, err) }(time.Now())
	return i.inner.Exists(ctx, path)
}

func (i *instrumented) Delete(ctx context.Context, path string) (err error) {
	defer func(start time.Time) { i.observe(opDelete, start, err) }(time.Now())
	return i.inner.Delete(ctx, path)
}

func (i *instrumented) Rename(ctx context.Context, src, dst string) (err error) {
	defer func(start time.Time) { i.observe(opRename, start, err) }(time.Now())
	return i.inner.Rename(ctx, src, dst)
}

func (i *instrumented) Copy(ctx context.Context, src, dst string) (err error) {
	defer func(start time.Time) { i.observe(opCopy, start, err) }(time.Now())
	return i.inner.Copy(ctx, src, dst)
}

// HealthCheck forwards to the wrapped adapter when it can check itself.
func (i *instrumented) HealthCheck(ctx context.Context) error {
	if hc, ok := i.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Close forwards to the wrapped adapter when it holds resources.
func (i *instrumented) Close() error {
	if c, ok := i.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// instrumentedStreamer adds the streaming methods and counts bytes moved
// through the handles it returns.
type instrumentedStreamer struct {
	*instrumented
	streamer Streamer
}

func (i *instrumentedStreamer) OpenReadStream(ctx context.Context, path string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { i.observe(opReadStream, start, err) }(time.Now())
	rc, err = i.streamer.OpenReadStream(ctx, path)
	if err != nil {
		return nil, err
	}
	return &countingReader{ReadCloser: rc, target: i.target}, nil
}

func (i *instrumentedStreamer) OpenWriteStream(ctx context.Context, path string) (wc io.WriteCloser, err error) {
	defer func(start time.Time) { i.observe(opWriteStream, start, err) }(time.Now())
	wc, err = i.streamer.OpenWriteStream(ctx, path)
	if err != nil {
		return nil, err
	}
	return &countingWriter{WriteCloser: wc, target: i.target}, nil
}

type countingReader struct {
	io.ReadCloser
	target string
	n      int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *countingReader) Close() error {
	metrics.StreamBytesTotal.WithLabelValues(r.target, "read").Add(float64(r.n))
	r.n = 0
	return r.ReadCloser.Close()
}

type countingWriter struct {
	io.WriteCloser
	target string
	n      int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.WriteCloser.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *countingWriter) Close() error {
	err := w.WriteCloser.Close()
	if err == nil {
		metrics.StreamBytesTotal.WithLabelValues(w.target, "write").Add(float64(w.n))
		w.n = 0
	}
	return err
}

// Abort forwards to the wrapped handle.
func (w *countingWriter) Abort() error {
	if a, ok := w.WriteCloser.(Aborter); ok {
		return a.Abort()
	}
	return w.WriteCloser.Close()
}
