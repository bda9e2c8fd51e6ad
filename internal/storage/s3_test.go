package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	mu sync.Mutex
	// objects stores all objects keyed by their S3 key.
	objects map[string][]byte
	// calls counts every client call, for asserting that rejected paths
	// never reach the backend.
	calls int
	// putObjectCalls tracks the number of PutObject calls.
	putObjectCalls int
	// copyObjectCalls tracks the number of CopyObject calls.
	copyObjectCalls int
	// deleteObjectCalls tracks the number of DeleteObject calls.
	deleteObjectCalls int
	// headBucketErr is returned from HeadBucket when set.
	headBucketErr error
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if params.ContentLength != nil && *params.ContentLength != int64(len(data)) {
		return nil, fmt.Errorf("content length %d does not match body length %d", *params.ContentLength, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.putObjectCalls++
	m.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.deleteObjectCalls++
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.copyObjectCalls++
	// CopySource format: "bucket/escaped-key"
	parts := strings.SplitN(aws.ToString(params.CopySource), "/", 2)
	if len(parts) < 2 {
		return nil, &mockAPIError{code: "NoSuchKey", message: "Invalid copy source", httpStatus: 404}
	}
	srcKey, err := url.PathUnescape(parts[1])
	if err != nil {
		return nil, err
	}
	data, ok := m.objects[srcKey]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	m.objects[aws.ToString(params.Key)] = append([]byte(nil), data...)
	return &s3.CopyObjectOutput{}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.headBucketErr != nil {
		return nil, m.headBucketErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockAPIError implements smithy.APIError for testing.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

func newTestS3Adapter(prefix string) (*S3Adapter, *mockS3Client) {
	mock := newMockS3Client()
	a := mustAdapter(NewS3AdapterWithClient("s3test", S3Options{Bucket: "upstream", Region: "us-east-1", Prefix: prefix}, mock))
	return a, mock
}

func TestS3AdapterContract(t *testing.T) {
	a, _ := newTestS3Adapter("files/")
	testAdapterContract(t, a)
}

func TestS3KeyMapping(t *testing.T) {
	a, mock := newTestS3Adapter("prefix/")
	ctx := context.Background()

	if err := a.Put(ctx, "/docs/./a b.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, ok := mock.objects["prefix/docs/a b.txt"]; !ok {
		t.Errorf("expected key %q, have %v", "prefix/docs/a b.txt", mock.objects)
	}
	if err := a.Copy(ctx, "docs/a b.txt", "docs/c d.txt"); err != nil {
		t.Fatalf("Copy with spaces: %v", err)
	}
	if _, ok := mock.objects["prefix/docs/c d.txt"]; !ok {
		t.Error("copy destination missing")
	}
}

func TestS3TraversalNeverCallsBackend(t *testing.T) {
	a, mock := newTestS3Adapter("")
	ctx := context.Background()

	before := mock.callCount()
	a.Put(ctx, "../x", []byte("x"))
	a.Get(ctx, "a/../../x")
	a.Exists(ctx, "..")
	a.Delete(ctx, "")
	a.Rename(ctx, "ok.txt", "../x")
	a.Copy(ctx, "../x", "ok.txt")
	a.OpenReadStream(ctx, "../x")
	a.OpenWriteStream(ctx, "../x")
	if got := mock.callCount(); got != before {
		t.Errorf("backend received %d calls for rejected paths", got-before)
	}
}

func TestS3RenameIsCopyThenDelete(t *testing.T) {
	a, mock := newTestS3Adapter("")
	ctx := context.Background()

	if err := a.Put(ctx, "src.txt", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := a.Rename(ctx, "src.txt", "dst.txt"); err != nil {
		t.Fatal(err)
	}
	if mock.copyObjectCalls != 1 || mock.deleteObjectCalls != 1 {
		t.Errorf("copy calls = %d, delete calls = %d, want 1 and 1", mock.copyObjectCalls, mock.deleteObjectCalls)
	}
}

func TestS3WriteStreamUploadsOnClose(t *testing.T) {
	a, mock := newTestS3Adapter("")
	ctx := context.Background()

	w, err := a.OpenWriteStream(ctx, "up.bin")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "streamed")
	if mock.putObjectCalls != 0 {
		t.Error("upload started before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if string(mock.objects["up.bin"]) != "streamed" {
		t.Errorf("object = %q", mock.objects["up.bin"])
	}

	w, err = a.OpenWriteStream(ctx, "aborted.bin")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "partial")
	w.(Aborter).Abort()
	if _, ok := mock.objects["aborted.bin"]; ok {
		t.Error("aborted stream was uploaded")
	}
}

func TestS3HealthCheckBucketUnreachable(t *testing.T) {
	mock := newMockS3Client()
	mock.headBucketErr = &mockAPIError{code: "NoSuchBucket", message: "gone", httpStatus: 404}
	a := mustAdapter(NewS3AdapterWithClient("s3test", S3Options{Bucket: "gone"}, mock))
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected HealthCheck error")
	}
}

func TestIsAWSNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&mockAPIError{code: "NoSuchKey", httpStatus: 404}, true},
		{&mockAPIError{code: "NotFound", httpStatus: 404}, true},
		{&mockAPIError{code: "AccessDenied", httpStatus: 403}, false},
		{fmt.Errorf("wrapped: %w", &mockAPIError{code: "NoSuchKey"}), true},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isAWSNotFound(tt.err); got != tt.want {
			t.Errorf("isAWSNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestS3ErrorsCarryTarget(t *testing.T) {
	a, _ := newTestS3Adapter("")
	_, err := a.Get(context.Background(), "missing.txt")
	se, ok := ferrors.As(err)
	if !ok {
		t.Fatalf("error %v is not a StorageError", err)
	}
	if se.Target != "s3test" || se.Op != opGet || se.Path != "missing.txt" {
		t.Errorf("error fields = %+v", se)
	}
}

func TestS3InvalidPrefixRejected(t *testing.T) {
	mock := newMockS3Client()
	_, err := NewS3AdapterWithClient("tenant", S3Options{Bucket: "b", Prefix: "tenant-a/../../shared"}, mock)
	if err == nil {
		t.Fatal("expected error for a prefix above the bucket root")
	}
	if mock.callCount() != 0 {
		t.Error("backend called while constructing with an invalid prefix")
	}
}
