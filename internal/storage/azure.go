package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the adapter uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob streams r into a block blob. With mustNotExist the upload
	// fails if the blob already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, r io.Reader, mustNotExist bool) error
	// DownloadBlob opens a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// CopyBlob copies srcBlob to dstBlob server-side and waits for completion.
	CopyBlob(ctx context.Context, containerName, srcBlob, dstBlob string, mustNotExist bool) error
	// ContainerExists returns an error if the container is not accessible.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureAdapter stores files as block blobs in one Azure Blob Storage
// container under an optional prefix.
//
// Uploads go through the SDK's chunked UploadStream. Without overwrite they
// carry an If-None-Match: * condition. An aborted write stream leaves only
// uncommitted blocks, which Azure expires on its own.
//
// Credentials are resolved from a connection string, managed identity, or
// DefaultAzureCredential (env vars, Azure CLI, etc.).
type AzureAdapter struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the Azure storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string

	target    string
	keys      keyspace
	overwrite bool
	client    AzureBlobAPI
}

var (
	_ Adapter       = (*AzureAdapter)(nil)
	_ Streamer      = (*AzureAdapter)(nil)
	_ HealthChecker = (*AzureAdapter)(nil)
)

// AzureOptions configures an AzureAdapter.
type AzureOptions struct {
	Container          string
	AccountURL         string
	ConnectionString   string
	UseManagedIdentity bool
	Prefix             string
	Overwrite          bool
}

// NewAzureAdapter creates an AzureAdapter and verifies the container is
// accessible.
func NewAzureAdapter(ctx context.Context, target string, opts AzureOptions) (*AzureAdapter, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	a, err := NewAzureAdapterWithClient(target, opts, client)
	if err != nil {
		return nil, err
	}
	if err := a.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", opts.Container, err)
	}

	slog.Info("Azure adapter initialized", "target", target, "container", opts.Container, "account", opts.AccountURL, "prefix", opts.Prefix)
	return a, nil
}

// NewAzureAdapterWithClient creates an AzureAdapter with a pre-configured
// Azure client. This is primarily used for testing with mock clients.
func NewAzureAdapterWithClient(target string, opts AzureOptions, client AzureBlobAPI) (*AzureAdapter, error) {
	keys, err := newKeyspace(target, opts.Prefix)
	if err != nil {
		return nil, err
	}
	return &AzureAdapter{
		Container:  opts.Container,
		AccountURL: opts.AccountURL,
		target:     target,
		keys:       keys,
		overwrite:  opts.Overwrite,
		client:     client,
	}, nil
}

func newAzureFromOptions(ctx context.Context, target string, opts Options) (Adapter, error) {
	container, err := opts.Required("container")
	if err != nil {
		return nil, err
	}
	useMI, err := opts.Bool("use_managed_identity", false)
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}

	accountURL := opts.String("account_url", "")
	if accountURL == "" {
		if account := opts.String("account", ""); account != "" {
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", account)
		}
	}
	connString := opts.String("connection_string", "")
	if accountURL == "" && connString == "" {
		return nil, fmt.Errorf("one of account, account_url or connection_string is required")
	}

	return NewAzureAdapter(ctx, target, AzureOptions{
		Container:          container,
		AccountURL:         accountURL,
		ConnectionString:   connString,
		UseManagedIdentity: useMI,
		Prefix:             opts.String("prefix", ""),
		Overwrite:          overwrite,
	})
}

// Kind returns "azure".
func (a *AzureAdapter) Kind() string { return "azure" }

func (a *AzureAdapter) writeError(op, path string, err error) error {
	if isAzureConflict(err) {
		return ferrors.New(ferrors.KindAlreadyExists, op, a.target, path, err)
	}
	return ferrors.New(ferrors.KindWriteFailed, op, a.target, path, fmt.Errorf("uploading to Azure Blob: %w", err))
}

// Put uploads content as a block blob.
func (a *AzureAdapter) Put(ctx context.Context, path string, content []byte) error {
	key, err := a.keys.key(opPut, path)
	if err != nil {
		return err
	}
	if err := a.client.UploadBlob(ctx, a.Container, key, bytes.NewReader(content), !a.overwrite); err != nil {
		return a.writeError(opPut, path, err)
	}
	return nil
}

// Get downloads the whole blob.
func (a *AzureAdapter) Get(ctx context.Context, path string) ([]byte, error) {
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

func (a *AzureAdapter) open(ctx context.Context, op, path string, failKind ferrors.Kind) (io.ReadCloser, error) {
	key, err := a.keys.key(op, path)
	if err != nil {
		return nil, err
	}
	rc, err := a.client.DownloadBlob(ctx, a.Container, key)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ferrors.New(ferrors.KindNotFound, op, a.target, path, err)
		}
		return nil, ferrors.New(failKind, op, a.target, path, fmt.Errorf("downloading from Azure Blob: %w", err))
	}
	return rc, nil
}

// Exists fetches the blob properties.
func (a *AzureAdapter) Exists(ctx context.Context, path string) (bool, error) {
	key, err := a.keys.key(opExists, path)
	if err != nil {
		return false, err
	}
	ok, err := a.client.BlobExists(ctx, a.Container, key)
	if err != nil {
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	return ok, nil
}

// Delete removes the blob.
func (a *AzureAdapter) Delete(ctx context.Context, path string) error {
	key, err := a.keys.key(opDelete, path)
	if err != nil {
		return err
	}
	if err := a.client.DeleteBlob(ctx, a.Container, key); err != nil {
		if isAzureNotFound(err) {
			return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, err)
		}
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	return nil
}

// Rename copies src to dst server-side and deletes src.
func (a *AzureAdapter) Rename(ctx context.Context, src, dst string) error {
	srcKey, err := a.copyChecked(ctx, opRename, src, dst)
	if err != nil {
		return err
	}
	if err := a.client.DeleteBlob(ctx, a.Container, srcKey); err != nil && !isAzureNotFound(err) {
		return ferrors.New(ferrors.KindOperationFailed, opRename, a.target, src, err)
	}
	return nil
}

// Copy performs a server-side copy.
func (a *AzureAdapter) Copy(ctx context.Context, src, dst string) error {
	_, err := a.copyChecked(ctx, opCopy, src, dst)
	return err
}

func (a *AzureAdapter) copyChecked(ctx context.Context, op, src, dst string) (string, error) {
	srcKey, err := a.keys.key(op, src)
	if err != nil {
		return "", err
	}
	dstKey, err := a.keys.key(op, dst)
	if err != nil {
		return "", err
	}

	ok, err := a.client.BlobExists(ctx, a.Container, dstKey)
	if err != nil {
		return "", ferrors.New(ferrors.KindOperationFailed, op, a.target, dst, err)
	}
	if ok {
		return "", ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, nil)
	}
	ok, err = a.client.BlobExists(ctx, a.Container, srcKey)
	if err != nil {
		return "", ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	if !ok {
		return "", ferrors.New(ferrors.KindNotFound, op, a.target, src, nil)
	}

	if err := a.client.CopyBlob(ctx, a.Container, srcKey, dstKey, true); err != nil {
		switch {
		case isAzureConflict(err):
			return "", ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, err)
		case isAzureNotFound(err):
			return "", ferrors.New(ferrors.KindNotFound, op, a.target, src, err)
		default:
			return "", ferrors.New(ferrors.KindOperationFailed, op, a.target, src, fmt.Errorf("copying blob in Azure: %w", err))
		}
	}
	return srcKey, nil
}

// OpenReadStream returns the download body.
func (a *AzureAdapter) OpenReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	return a.open(ctx, opReadStream, path, ferrors.KindOpenFailed)
}

// OpenWriteStream pipes writes into a concurrent UploadStream call. Close
// waits for the upload to commit.
func (a *AzureAdapter) OpenWriteStream(ctx context.Context, path string) (io.WriteCloser, error) {
	key, err := a.keys.key(opWriteStream, path)
	if err != nil {
		return nil, err
	}
	if !a.overwrite {
		ok, err := a.client.BlobExists(ctx, a.Container, key)
		if err != nil {
			return nil, ferrors.New(ferrors.KindOpenFailed, opWriteStream, a.target, path, err)
		}
		if ok {
			return nil, ferrors.New(ferrors.KindAlreadyExists, opWriteStream, a.target, path, nil)
		}
	}

	w := newPipeWriter(ctx, func(r io.Reader) error {
		return a.client.UploadBlob(ctx, a.Container, key, r, !a.overwrite)
	})
	return &mappedWriter{
		WriteCloser: w,
		mapErr:      func(err error) error { return a.writeError(opWriteStream, path, err) },
	}, nil
}

// HealthCheck verifies that the container is accessible.
func (a *AzureAdapter) HealthCheck(ctx context.Context) error {
	return a.client.ContainerExists(ctx, a.Container)
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "the specified blob does not exist")
}

// isAzureConflict reports whether a conditional write failed because the
// blob already exists.
func isAzureConflict(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet, bloberror.TargetConditionNotMet) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict || respErr.StatusCode == http.StatusPreconditionFailed
	}
	return false
}
