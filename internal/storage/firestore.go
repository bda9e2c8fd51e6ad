package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

// firestoreMaxContentBytes stays under Firestore's 1 MiB document limit.
const firestoreMaxContentBytes = 1000 << 10

// firestoreFile is the document stored for one file.
type firestoreFile struct {
	Path       string    `firestore:"path"`
	Data       []byte    `firestore:"data"`
	Size       int64     `firestore:"size"`
	ModifiedAt time.Time `firestore:"modified_at"`
}

// FirestoreAPI defines the document operations the adapter uses on one
// collection. Errors carry gRPC status codes: NotFound for a missing
// document, AlreadyExists when Create finds one.
type FirestoreAPI interface {
	Create(ctx context.Context, id string, doc *firestoreFile) error
	Set(ctx context.Context, id string, doc *firestoreFile) error
	Get(ctx context.Context, id string) (*firestoreFile, error)
	// Delete removes the document; with mustExist a missing document is a
	// NotFound error.
	Delete(ctx context.Context, id string, mustExist bool) error
	// RunTransaction runs fn atomically, retrying on contention.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx FirestoreTx) error) error
	Ping(ctx context.Context) error
}

// FirestoreTx is a transaction over the collection. All reads must come
// before any write.
type FirestoreTx interface {
	Get(id string) (*firestoreFile, error)
	Create(id string, doc *firestoreFile) error
	Delete(id string) error
}

// realFirestoreClient wraps the official Firestore client to satisfy
// FirestoreAPI.
type realFirestoreClient struct {
	client     *firestore.Client
	collection string
}

func (c *realFirestoreClient) doc(id string) *firestore.DocumentRef {
	return c.client.Collection(c.collection).Doc(id)
}

func (c *realFirestoreClient) Create(ctx context.Context, id string, doc *firestoreFile) error {
	_, err := c.doc(id).Create(ctx, doc)
	return err
}

func (c *realFirestoreClient) Set(ctx context.Context, id string, doc *firestoreFile) error {
	_, err := c.doc(id).Set(ctx, doc)
	return err
}

func (c *realFirestoreClient) Get(ctx context.Context, id string) (*firestoreFile, error) {
	snap, err := c.doc(id).Get(ctx)
	if err != nil {
		return nil, err
	}
	var f firestoreFile
	if err := snap.DataTo(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *realFirestoreClient) Delete(ctx context.Context, id string, mustExist bool) error {
	var preconds []firestore.Precondition
	if mustExist {
		preconds = append(preconds, firestore.Exists)
	}
	_, err := c.doc(id).Delete(ctx, preconds...)
	return err
}

func (c *realFirestoreClient) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx FirestoreTx) error) error {
	return c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &realFirestoreTx{c: c, tx: tx})
	})
}

func (c *realFirestoreClient) Ping(ctx context.Context) error {
	_, err := c.client.Collection(c.collection).Limit(1).Documents(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

type realFirestoreTx struct {
	c  *realFirestoreClient
	tx *firestore.Transaction
}

func (t *realFirestoreTx) Get(id string) (*firestoreFile, error) {
	snap, err := t.tx.Get(t.c.doc(id))
	if err != nil {
		return nil, err
	}
	var f firestoreFile
	if err := snap.DataTo(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *realFirestoreTx) Create(id string, doc *firestoreFile) error {
	return t.tx.Create(t.c.doc(id), doc)
}

func (t *realFirestoreTx) Delete(id string) error {
	return t.tx.Delete(t.c.doc(id), firestore.Exists)
}

// FirestoreAdapter stores each file as one document of a Firestore
// collection. Document IDs are the base64url encoding of the key, since
// keys contain slashes. Content is capped under the 1 MiB document limit.
// It does not support streaming.
//
// Put without overwrite uses Create, which fails atomically when the
// document exists. Rename and Copy run in a transaction.
type FirestoreAdapter struct {
	// Project is the GCP project ID.
	Project string
	// Collection is the collection holding the file documents.
	Collection string

	target    string
	keys      keyspace
	overwrite bool
	client    FirestoreAPI
}

var (
	_ Adapter       = (*FirestoreAdapter)(nil)
	_ HealthChecker = (*FirestoreAdapter)(nil)
)

// FirestoreOptions configures a FirestoreAdapter.
type FirestoreOptions struct {
	Project         string
	Collection      string
	CredentialsFile string
	Prefix          string
	Overwrite       bool
}

// NewFirestoreAdapter creates a FirestoreAdapter and verifies the
// collection can be queried. Credentials come from CredentialsFile when
// set, otherwise from Application Default Credentials.
func NewFirestoreAdapter(ctx context.Context, target string, opts FirestoreOptions) (*FirestoreAdapter, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, opts.Project, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	a, err := NewFirestoreAdapterWithClient(target, opts, &realFirestoreClient{client: client, collection: opts.Collection})
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := a.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot access firestore collection %q: %w", opts.Collection, err)
	}

	slog.Info("Firestore adapter initialized", "target", target, "project", opts.Project, "collection", opts.Collection, "prefix", opts.Prefix)
	return a, nil
}

// NewFirestoreAdapterWithClient creates a FirestoreAdapter with a
// pre-configured client. This is primarily used for testing with mock
// clients.
func NewFirestoreAdapterWithClient(target string, opts FirestoreOptions, client FirestoreAPI) (*FirestoreAdapter, error) {
	if opts.Collection == "" {
		opts.Collection = "filestore"
	}
	keys, err := newKeyspace(target, opts.Prefix)
	if err != nil {
		return nil, err
	}
	return &FirestoreAdapter{
		Project:    opts.Project,
		Collection: opts.Collection,
		target:     target,
		keys:       keys,
		overwrite:  opts.Overwrite,
		client:     client,
	}, nil
}

func newFirestoreFromOptions(ctx context.Context, target string, opts Options) (Adapter, error) {
	project, err := opts.Required("project")
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}
	return NewFirestoreAdapter(ctx, target, FirestoreOptions{
		Project:         project,
		Collection:      opts.String("collection", "filestore"),
		CredentialsFile: opts.String("credentials_file", ""),
		Prefix:          opts.String("prefix", ""),
		Overwrite:       overwrite,
	})
}

// Kind returns "firestore".
func (a *FirestoreAdapter) Kind() string { return "firestore" }

func newFirestoreFile(key string, content []byte) *firestoreFile {
	if content == nil {
		content = []byte{}
	}
	return &firestoreFile{
		Path:       key,
		Data:       content,
		Size:       int64(len(content)),
		ModifiedAt: time.Now().UTC(),
	}
}

// Put creates the document, or sets it when the adapter overwrites.
func (a *FirestoreAdapter) Put(ctx context.Context, path string, content []byte) error {
	key, err := a.keys.key(opPut, path)
	if err != nil {
		return err
	}
	if len(content) > firestoreMaxContentBytes {
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path,
			fmt.Errorf("content of %d bytes exceeds the firestore document limit", len(content)))
	}

	doc := newFirestoreFile(key, content)
	if a.overwrite {
		err = a.client.Set(ctx, docID(key), doc)
	} else {
		err = a.client.Create(ctx, docID(key), doc)
	}
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ferrors.New(ferrors.KindAlreadyExists, opPut, a.target, path, err)
		}
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, fmt.Errorf("writing to firestore: %w", err))
	}
	return nil
}

// Get reads the document.
func (a *FirestoreAdapter) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := a.keys.key(opGet, path)
	if err != nil {
		return nil, err
	}
	doc, err := a.client.Get(ctx, docID(key))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ferrors.New(ferrors.KindNotFound, opGet, a.target, path, err)
		}
		return nil, ferrors.New(ferrors.KindReadFailed, opGet, a.target, path, err)
	}
	if doc.Data == nil {
		return []byte{}, nil
	}
	return doc.Data, nil
}

// Exists reads the document.
func (a *FirestoreAdapter) Exists(ctx context.Context, path string) (bool, error) {
	key, err := a.keys.key(opExists, path)
	if err != nil {
		return false, err
	}
	if _, err := a.client.Get(ctx, docID(key)); err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	return true, nil
}

// Delete removes the document with an exists precondition.
func (a *FirestoreAdapter) Delete(ctx context.Context, path string) error {
	key, err := a.keys.key(opDelete, path)
	if err != nil {
		return err
	}
	if err := a.client.Delete(ctx, docID(key), true); err != nil {
		if status.Code(err) == codes.NotFound {
			return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, err)
		}
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	return nil
}

// Rename moves the document in a transaction.
func (a *FirestoreAdapter) Rename(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, opRename, src, dst, true)
}

// Copy duplicates the document in a transaction.
func (a *FirestoreAdapter) Copy(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, opCopy, src, dst, false)
}

// transfer checks the destination, then the source, and writes the copy
// (and deletes the source when move is set) in one transaction.
func (a *FirestoreAdapter) transfer(ctx context.Context, op, src, dst string, move bool) error {
	srcKey, err := a.keys.key(op, src)
	if err != nil {
		return err
	}
	dstKey, err := a.keys.key(op, dst)
	if err != nil {
		return err
	}

	err = a.client.RunTransaction(ctx, func(ctx context.Context, tx FirestoreTx) error {
		if _, err := tx.Get(docID(dstKey)); err == nil {
			return ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, nil)
		} else if status.Code(err) != codes.NotFound {
			return ferrors.New(ferrors.KindOperationFailed, op, a.target, dst, err)
		}

		doc, err := tx.Get(docID(srcKey))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ferrors.New(ferrors.KindNotFound, op, a.target, src, err)
			}
			return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
		}

		if err := tx.Create(docID(dstKey), newFirestoreFile(dstKey, doc.Data)); err != nil {
			return err
		}
		if move {
			return tx.Delete(docID(srcKey))
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if _, ok := ferrors.As(err); ok {
		return err
	}
	if status.Code(err) == codes.AlreadyExists {
		return ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, err)
	}
	return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, fmt.Errorf("firestore transaction: %w", err))
}

// HealthCheck queries one document of the collection.
func (a *FirestoreAdapter) HealthCheck(ctx context.Context) error {
	return a.client.Ping(ctx)
}
