package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var errStreamAborted = errors.New("write stream aborted")

// spoolWriter buffers a write stream in a local temp file and hands the
// file to commit on Close. Backends whose upload call needs a seekable body
// of known length use it. An abandoned handle leaves a file in the OS temp
// directory and nothing on the backend.
type spoolWriter struct {
	file   *os.File
	size   int64
	commit func(f *os.File, size int64) error

	once sync.Once
	err  error
}

func newSpoolWriter(commit func(f *os.File, size int64) error) (*spoolWriter, error) {
	f, err := os.CreateTemp("", "filestore-spool-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	return &spoolWriter{file: f, commit: commit}, nil
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close uploads the spooled content and removes the spool file.
func (w *spoolWriter) Close() error {
	w.once.Do(func() {
		defer os.Remove(w.file.Name())
		defer w.file.Close()
		if _, err := w.file.Seek(0, io.SeekStart); err != nil {
			w.err = fmt.Errorf("rewinding spool file: %w", err)
			return
		}
		w.err = w.commit(w.file, w.size)
	})
	return w.err
}

// Abort removes the spool file without uploading.
func (w *spoolWriter) Abort() error {
	w.once.Do(func() {
		w.file.Close()
		os.Remove(w.file.Name())
		w.err = errStreamAborted
	})
	return nil
}

// pipeWriter feeds a write stream into an upload call running in its own
// goroutine, for SDKs that consume an io.Reader. Close waits for the upload
// to finish and returns its error. Abort fails the upload's reader so the
// backend discards the partial object. Cancelling ctx does the same, which
// ends the upload of a handle that is never closed.
type pipeWriter struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error

	once sync.Once
}

func newPipeWriter(ctx context.Context, upload func(r io.Reader) error) *pipeWriter {
	pr, pw := io.Pipe()
	w := &pipeWriter{pw: pw, done: make(chan struct{})}
	stop := context.AfterFunc(ctx, func() {
		pw.CloseWithError(context.Cause(ctx))
	})
	go func() {
		defer close(w.done)
		defer stop()
		err := upload(pr)
		if err == nil {
			pr.Close()
		} else {
			pr.CloseWithError(err)
		}
		w.err = err
	}()
	return w
}

func (w *pipeWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close signals end of input and waits for the upload.
func (w *pipeWriter) Close() error {
	w.once.Do(func() {
		w.pw.Close()
		<-w.done
	})
	return w.err
}

// Abort cancels the upload.
func (w *pipeWriter) Abort() error {
	w.once.Do(func() {
		w.pw.CloseWithError(errStreamAborted)
		<-w.done
	})
	return nil
}

// mappedWriter converts errors from an underlying handle into storage
// errors.
type mappedWriter struct {
	io.WriteCloser
	mapErr func(error) error
}

func (w *mappedWriter) Close() error {
	if err := w.WriteCloser.Close(); err != nil {
		return w.mapErr(err)
	}
	return nil
}

func (w *mappedWriter) Abort() error {
	if a, ok := w.WriteCloser.(Aborter); ok {
		return a.Abort()
	}
	return w.WriteCloser.Close()
}
