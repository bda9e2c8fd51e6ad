package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

// S3API defines the subset of the AWS S3 client interface that the adapter
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Adapter stores files as objects in one S3 bucket (or an S3-compatible
// service), under an optional key prefix.
//
// S3 has no rename: Rename is a server-side copy followed by a delete of
// the source, so a failure between the two leaves both objects. Write
// streams spool to a local temp file and upload on Close.
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.) unless static keys are
// configured.
type S3Adapter struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Region is the AWS region of the bucket.
	Region string

	target    string
	keys      keyspace
	overwrite bool
	client    S3API
}

var (
	_ Adapter       = (*S3Adapter)(nil)
	_ Streamer      = (*S3Adapter)(nil)
	_ HealthChecker = (*S3Adapter)(nil)
)

// S3Options configures an S3Adapter.
type S3Options struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	Overwrite       bool
}

// NewS3Adapter creates an S3Adapter. It initializes the AWS SDK client using
// the default credential chain, with optional overrides for a custom
// endpoint, path-style addressing, and static credentials, and verifies the
// bucket is reachable.
func NewS3Adapter(ctx context.Context, target string, opts S3Options) (*S3Adapter, error) {
	cfg, err := loadAWSConfig(ctx, opts.Region, opts.AccessKeyID, opts.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	a, err := NewS3AdapterWithClient(target, opts, client)
	if err != nil {
		return nil, err
	}
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(opts.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", opts.Bucket, err)
	}
	slog.Info("S3 adapter initialized", "target", target, "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)
	return a, nil
}

// loadAWSConfig loads the shared AWS configuration for region. Static keys
// are used when both are set, otherwise the default credential chain.
func loadAWSConfig(ctx context.Context, region, accessKeyID, secretAccessKey string) (aws.Config, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

// NewS3AdapterWithClient creates an S3Adapter with a pre-configured S3
// client. This is primarily used for testing with mock clients.
func NewS3AdapterWithClient(target string, opts S3Options, client S3API) (*S3Adapter, error) {
	keys, err := newKeyspace(target, opts.Prefix)
	if err != nil {
		return nil, err
	}
	return &S3Adapter{
		Bucket:    opts.Bucket,
		Region:    opts.Region,
		target:    target,
		keys:      keys,
		overwrite: opts.Overwrite,
		client:    client,
	}, nil
}

func newS3FromOptions(ctx context.Context, target string, opts Options) (Adapter, error) {
	bucket, err := opts.Required("bucket")
	if err != nil {
		return nil, err
	}
	pathStyle, err := opts.Bool("use_path_style", false)
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}
	return NewS3Adapter(ctx, target, S3Options{
		Bucket:          bucket,
		Region:          opts.String("region", "us-east-1"),
		Prefix:          opts.String("prefix", ""),
		Endpoint:        opts.String("endpoint", ""),
		UsePathStyle:    pathStyle,
		AccessKeyID:     opts.String("access_key_id", ""),
		SecretAccessKey: opts.String("secret_access_key", ""),
		Overwrite:       overwrite,
	})
}

// Kind returns "s3".
func (a *S3Adapter) Kind() string { return "s3" }

func (a *S3Adapter) head(ctx context.Context, key string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *S3Adapter) upload(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}

// Put uploads content as a single object.
func (a *S3Adapter) Put(ctx context.Context, path string, content []byte) error {
	key, err := a.keys.key(opPut, path)
	if err != nil {
		return err
	}
	if !a.overwrite {
		ok, err := a.head(ctx, key)
		if err != nil {
			return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, err)
		}
		if ok {
			return ferrors.New(ferrors.KindAlreadyExists, opPut, a.target, path, nil)
		}
	}
	if err := a.upload(ctx, key, bytes.NewReader(content), int64(len(content))); err != nil {
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, fmt.Errorf("uploading to S3: %w", err))
	}
	return nil
}

// Get downloads the whole object.
func (a *S3Adapter) Get(ctx context.Context, path string) ([]byte, error) {
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

func (a *S3Adapter) open(ctx context.Context, op, path string, failKind ferrors.Kind) (io.ReadCloser, error) {
	key, err := a.keys.key(op, path)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, ferrors.New(ferrors.KindNotFound, op, a.target, path, err)
		}
		return nil, ferrors.New(failKind, op, a.target, path, fmt.Errorf("getting object from S3: %w", err))
	}
	return resp.Body, nil
}

// Exists issues a HEAD request.
func (a *S3Adapter) Exists(ctx context.Context, path string) (bool, error) {
	key, err := a.keys.key(opExists, path)
	if err != nil {
		return false, err
	}
	ok, err := a.head(ctx, key)
	if err != nil {
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	return ok, nil
}

// Delete removes the object. S3 DeleteObject succeeds on missing keys, so
// existence is checked first.
func (a *S3Adapter) Delete(ctx context.Context, path string) error {
	key, err := a.keys.key(opDelete, path)
	if err != nil {
		return err
	}
	ok, err := a.head(ctx, key)
	if err != nil {
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	if !ok {
		return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, nil)
	}
	if err := a.deleteKey(ctx, key); err != nil {
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	return nil
}

func (a *S3Adapter) deleteKey(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// Rename copies src to dst server-side and deletes src.
func (a *S3Adapter) Rename(ctx context.Context, src, dst string) error {
	srcKey, dstKey, err := a.transferKeys(ctx, opRename, src, dst)
	if err != nil {
		return err
	}
	if err := a.copyKey(ctx, srcKey, dstKey); err != nil {
		return a.copyError(opRename, src, err)
	}
	if err := a.deleteKey(ctx, srcKey); err != nil {
		return ferrors.New(ferrors.KindOperationFailed, opRename, a.target, src, err)
	}
	return nil
}

// Copy performs a server-side copy.
func (a *S3Adapter) Copy(ctx context.Context, src, dst string) error {
	srcKey, dstKey, err := a.transferKeys(ctx, opCopy, src, dst)
	if err != nil {
		return err
	}
	if err := a.copyKey(ctx, srcKey, dstKey); err != nil {
		return a.copyError(opCopy, src, err)
	}
	return nil
}

// transferKeys canonicalizes both paths and checks the destination, then
// the source.
func (a *S3Adapter) transferKeys(ctx context.Context, op, src, dst string) (string, string, error) {
	srcKey, err := a.keys.key(op, src)
	if err != nil {
		return "", "", err
	}
	dstKey, err := a.keys.key(op, dst)
	if err != nil {
		return "", "", err
	}
	ok, err := a.head(ctx, dstKey)
	if err != nil {
		return "", "", ferrors.New(ferrors.KindOperationFailed, op, a.target, dst, err)
	}
	if ok {
		return "", "", ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, nil)
	}
	ok, err = a.head(ctx, srcKey)
	if err != nil {
		return "", "", ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	if !ok {
		return "", "", ferrors.New(ferrors.KindNotFound, op, a.target, src, nil)
	}
	return srcKey, dstKey, nil
}

func (a *S3Adapter) copyKey(ctx context.Context, srcKey, dstKey string) error {
	copySource := a.Bucket + "/" + (&url.URL{Path: srcKey}).EscapedPath()
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.Bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource),
	})
	return err
}

func (a *S3Adapter) copyError(op, src string, err error) error {
	if isAWSNotFound(err) {
		return ferrors.New(ferrors.KindNotFound, op, a.target, src, err)
	}
	return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, fmt.Errorf("copying object in S3: %w", err))
}

// OpenReadStream returns the GetObject response body.
func (a *S3Adapter) OpenReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	return a.open(ctx, opReadStream, path, ferrors.KindOpenFailed)
}

// OpenWriteStream spools writes to a local temp file and uploads the file
// on Close.
func (a *S3Adapter) OpenWriteStream(ctx context.Context, path string) (io.WriteCloser, error) {
	key, err := a.keys.key(opWriteStream, path)
	if err != nil {
		return nil, err
	}
	if !a.overwrite {
		ok, err := a.head(ctx, key)
		if err != nil {
			return nil, ferrors.New(ferrors.KindOpenFailed, opWriteStream, a.target, path, err)
		}
		if ok {
			return nil, ferrors.New(ferrors.KindAlreadyExists, opWriteStream, a.target, path, nil)
		}
	}

	client, bucket := a.client, a.Bucket
	w, err := newSpoolWriter(func(f *os.File, size int64) error {
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(size),
		})
		return err
	})
	if err != nil {
		return nil, ferrors.New(ferrors.KindOpenFailed, opWriteStream, a.target, path, err)
	}
	target := a.target
	return &mappedWriter{WriteCloser: w, mapErr: func(err error) error {
		return ferrors.New(ferrors.KindWriteFailed, opWriteStream, target, path, err)
	}}, nil
}

// HealthCheck verifies that the bucket is reachable.
func (a *S3Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error indicates a missing key.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	// Check HTTP status code via ResponseError.
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}
