package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

const (
	cosmosTimeFormat = "2006-01-02T15:04:05.000Z"

	// cosmosMaxContentBytes keeps the base64-encoded content under the
	// 2 MB item limit.
	cosmosMaxContentBytes = 1400 << 10
)

// cosmosFile is the item stored for one file. PK is the partition key
// value shared by all files of the target.
type cosmosFile struct {
	ID         string `json:"id"`
	PK         string `json:"pk"`
	Path       string `json:"path"`
	Data       []byte `json:"data"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// CosmosAPI defines the item operations the adapter uses on one container
// partition. Errors expose the HTTP status through cosmosStatus: 404 for a
// missing item, 409 when CreateItem finds one.
type CosmosAPI interface {
	CreateItem(ctx context.Context, item *cosmosFile) error
	UpsertItem(ctx context.Context, item *cosmosFile) error
	ReadItem(ctx context.Context, id string) (*cosmosFile, error)
	DeleteItem(ctx context.Context, id string) error
	// CreateAndDelete creates item and deletes deleteID in one
	// transactional batch.
	CreateAndDelete(ctx context.Context, item *cosmosFile, deleteID string) error
	Ping(ctx context.Context) error
}

// cosmosStatusError reports the failing operation of a transactional
// batch.
type cosmosStatusError struct {
	Op         string
	StatusCode int
}

func (e *cosmosStatusError) Error() string {
	return fmt.Sprintf("cosmos batch %s failed with status %d", e.Op, e.StatusCode)
}

// realCosmosClient wraps an azcosmos container client to satisfy CosmosAPI.
type realCosmosClient struct {
	container *azcosmos.ContainerClient
	pk        string
}

func (c *realCosmosClient) partition() azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(c.pk)
}

func (c *realCosmosClient) CreateItem(ctx context.Context, item *cosmosFile) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = c.container.CreateItem(ctx, c.partition(), data, nil)
	return err
}

func (c *realCosmosClient) UpsertItem(ctx context.Context, item *cosmosFile) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = c.container.UpsertItem(ctx, c.partition(), data, nil)
	return err
}

func (c *realCosmosClient) ReadItem(ctx context.Context, id string) (*cosmosFile, error) {
	resp, err := c.container.ReadItem(ctx, c.partition(), id, nil)
	if err != nil {
		return nil, err
	}
	var item cosmosFile
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("decoding cosmos item: %w", err)
	}
	return &item, nil
}

func (c *realCosmosClient) DeleteItem(ctx context.Context, id string) error {
	_, err := c.container.DeleteItem(ctx, c.partition(), id, nil)
	return err
}

func (c *realCosmosClient) CreateAndDelete(ctx context.Context, item *cosmosFile, deleteID string) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	batch := c.container.NewTransactionalBatch(c.partition())
	batch.CreateItem(data, nil)
	batch.DeleteItem(deleteID, nil)

	resp, err := c.container.ExecuteTransactionalBatch(ctx, batch, nil)
	if err != nil {
		return err
	}
	if resp.Success {
		return nil
	}
	// The operation that caused the rollback reports its own status; the
	// others report 424 Failed Dependency.
	ops := []string{"create", "delete"}
	for i, r := range resp.OperationResults {
		if r.StatusCode != http.StatusFailedDependency && i < len(ops) {
			return &cosmosStatusError{Op: ops[i], StatusCode: int(r.StatusCode)}
		}
	}
	return &cosmosStatusError{Op: "batch", StatusCode: http.StatusConflict}
}

func (c *realCosmosClient) Ping(ctx context.Context) error {
	_, err := c.container.Read(ctx, nil)
	return err
}

// CosmosAdapter stores each file as one item of an Azure Cosmos DB (NoSQL)
// container partitioned on /pk. All files of a target share one
// partition key value, which keeps Rename a single transactional batch.
// Item IDs are the base64url encoding of the key. Content is capped under
// the 2 MB item limit. It does not support streaming.
type CosmosAdapter struct {
	// Database is the Cosmos DB database name.
	Database string
	// Container is the container holding the file items.
	Container string

	target       string
	keys         keyspace
	partitionKey string
	overwrite    bool
	client       CosmosAPI
}

var (
	_ Adapter       = (*CosmosAdapter)(nil)
	_ HealthChecker = (*CosmosAdapter)(nil)
)

// CosmosOptions configures a CosmosAdapter.
type CosmosOptions struct {
	Endpoint     string
	Key          string
	Database     string
	Container    string
	PartitionKey string
	Prefix       string
	Overwrite    bool
}

// NewCosmosAdapter creates a CosmosAdapter and verifies the container is
// readable. It authenticates with the account key when set, otherwise
// with DefaultAzureCredential.
func NewCosmosAdapter(ctx context.Context, target string, opts CosmosOptions) (*CosmosAdapter, error) {
	clientOpts := &azcosmos.ClientOptions{ClientOptions: policy.ClientOptions{}}

	var client *azcosmos.Client
	if opts.Key != "" {
		cred, err := azcosmos.NewKeyCredential(opts.Key)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos key credential: %w", err)
		}
		client, err = azcosmos.NewClientWithKey(opts.Endpoint, cred, clientOpts)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos client: %w", err)
		}
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure credential: %w", err)
		}
		client, err = azcosmos.NewClient(opts.Endpoint, cred, clientOpts)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos client: %w", err)
		}
	}

	db, err := client.NewDatabase(opts.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	container, err := db.NewContainer(opts.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	if opts.PartitionKey == "" {
		opts.PartitionKey = "files"
	}
	a, err := NewCosmosAdapterWithClient(target, opts, &realCosmosClient{container: container, pk: opts.PartitionKey})
	if err != nil {
		return nil, err
	}
	if err := a.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access cosmos container %q: %w", opts.Container, err)
	}

	slog.Info("Cosmos adapter initialized", "target", target, "database", opts.Database, "container", opts.Container, "partition_key", opts.PartitionKey, "prefix", opts.Prefix)
	return a, nil
}

// NewCosmosAdapterWithClient creates a CosmosAdapter with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewCosmosAdapterWithClient(target string, opts CosmosOptions, client CosmosAPI) (*CosmosAdapter, error) {
	if opts.PartitionKey == "" {
		opts.PartitionKey = "files"
	}
	keys, err := newKeyspace(target, opts.Prefix)
	if err != nil {
		return nil, err
	}
	return &CosmosAdapter{
		Database:     opts.Database,
		Container:    opts.Container,
		target:       target,
		keys:         keys,
		partitionKey: opts.PartitionKey,
		overwrite:    opts.Overwrite,
		client:       client,
	}, nil
}

func newCosmosFromOptions(ctx context.Context, target string, opts Options) (Adapter, error) {
	endpoint, err := opts.Required("endpoint")
	if err != nil {
		return nil, err
	}
	database, err := opts.Required("database")
	if err != nil {
		return nil, err
	}
	container, err := opts.Required("container")
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}
	return NewCosmosAdapter(ctx, target, CosmosOptions{
		Endpoint:     endpoint,
		Key:          opts.String("key", ""),
		Database:     database,
		Container:    container,
		PartitionKey: opts.String("partition_key", "files"),
		Prefix:       opts.String("prefix", ""),
		Overwrite:    overwrite,
	})
}

// Kind returns "cosmos".
func (a *CosmosAdapter) Kind() string { return "cosmos" }

func (a *CosmosAdapter) newItem(key string, content []byte) *cosmosFile {
	if content == nil {
		content = []byte{}
	}
	return &cosmosFile{
		ID:         docID(key),
		PK:         a.partitionKey,
		Path:       key,
		Data:       content,
		Size:       int64(len(content)),
		ModifiedAt: time.Now().UTC().Format(cosmosTimeFormat),
	}
}

// Put creates the item, or upserts it when the adapter overwrites.
func (a *CosmosAdapter) Put(ctx context.Context, path string, content []byte) error {
	key, err := a.keys.key(opPut, path)
	if err != nil {
		return err
	}
	if len(content) > cosmosMaxContentBytes {
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path,
			fmt.Errorf("content of %d bytes exceeds the cosmos item limit", len(content)))
	}

	item := a.newItem(key, content)
	if a.overwrite {
		err = a.client.UpsertItem(ctx, item)
	} else {
		err = a.client.CreateItem(ctx, item)
	}
	if err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return ferrors.New(ferrors.KindAlreadyExists, opPut, a.target, path, err)
		}
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, fmt.Errorf("writing to cosmos: %w", err))
	}
	return nil
}

// read returns the item for key, or nil when there is none.
func (a *CosmosAdapter) read(ctx context.Context, key string) (*cosmosFile, error) {
	item, err := a.client.ReadItem(ctx, docID(key))
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

// Get reads the item.
func (a *CosmosAdapter) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := a.keys.key(opGet, path)
	if err != nil {
		return nil, err
	}
	item, err := a.read(ctx, key)
	if err != nil {
		return nil, ferrors.New(ferrors.KindReadFailed, opGet, a.target, path, err)
	}
	if item == nil {
		return nil, ferrors.New(ferrors.KindNotFound, opGet, a.target, path, nil)
	}
	if item.Data == nil {
		return []byte{}, nil
	}
	return item.Data, nil
}

// Exists reads the item.
func (a *CosmosAdapter) Exists(ctx context.Context, path string) (bool, error) {
	key, err := a.keys.key(opExists, path)
	if err != nil {
		return false, err
	}
	item, err := a.read(ctx, key)
	if err != nil {
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	return item != nil, nil
}

// Delete removes the item.
func (a *CosmosAdapter) Delete(ctx context.Context, path string) error {
	key, err := a.keys.key(opDelete, path)
	if err != nil {
		return err
	}
	if err := a.client.DeleteItem(ctx, docID(key)); err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, err)
		}
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	return nil
}

// Rename creates dst and deletes src in one transactional batch.
func (a *CosmosAdapter) Rename(ctx context.Context, src, dst string) error {
	srcKey, dstKey, data, err := a.transferSource(ctx, opRename, src, dst)
	if err != nil {
		return err
	}
	err = a.client.CreateAndDelete(ctx, a.newItem(dstKey, data), docID(srcKey))
	if err == nil {
		return nil
	}
	var se *cosmosStatusError
	if errors.As(err, &se) {
		switch {
		case se.Op == "create" && se.StatusCode == http.StatusConflict:
			return ferrors.New(ferrors.KindAlreadyExists, opRename, a.target, dst, err)
		case se.Op == "delete" && se.StatusCode == http.StatusNotFound:
			return ferrors.New(ferrors.KindNotFound, opRename, a.target, src, err)
		}
	}
	return ferrors.New(ferrors.KindOperationFailed, opRename, a.target, src, fmt.Errorf("renaming in cosmos: %w", err))
}

// Copy creates dst with the source content.
func (a *CosmosAdapter) Copy(ctx context.Context, src, dst string) error {
	_, dstKey, data, err := a.transferSource(ctx, opCopy, src, dst)
	if err != nil {
		return err
	}
	if err := a.client.CreateItem(ctx, a.newItem(dstKey, data)); err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return ferrors.New(ferrors.KindAlreadyExists, opCopy, a.target, dst, err)
		}
		return ferrors.New(ferrors.KindOperationFailed, opCopy, a.target, src, fmt.Errorf("copying in cosmos: %w", err))
	}
	return nil
}

// transferSource checks the destination, then reads the source.
func (a *CosmosAdapter) transferSource(ctx context.Context, op, src, dst string) (srcKey, dstKey string, data []byte, err error) {
	if srcKey, err = a.keys.key(op, src); err != nil {
		return "", "", nil, err
	}
	if dstKey, err = a.keys.key(op, dst); err != nil {
		return "", "", nil, err
	}

	existing, err := a.read(ctx, dstKey)
	if err != nil {
		return "", "", nil, ferrors.New(ferrors.KindOperationFailed, op, a.target, dst, err)
	}
	if existing != nil {
		return "", "", nil, ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, nil)
	}

	item, err := a.read(ctx, srcKey)
	if err != nil {
		return "", "", nil, ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	if item == nil {
		return "", "", nil, ferrors.New(ferrors.KindNotFound, op, a.target, src, nil)
	}
	return srcKey, dstKey, item.Data, nil
}

// HealthCheck reads the container properties.
func (a *CosmosAdapter) HealthCheck(ctx context.Context) error {
	return a.client.Ping(ctx)
}

// cosmosStatus returns the HTTP status carried by err, or 0.
func cosmosStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	var se *cosmosStatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
