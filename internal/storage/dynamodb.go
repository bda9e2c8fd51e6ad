package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

const (
	dynamoTimeFormat = "2006-01-02T15:04:05.000Z"

	// dynamoMaxContentBytes leaves room for the key and bookkeeping
	// attributes under DynamoDB's 400 KB item limit.
	dynamoMaxContentBytes = 399 << 10

	condNotExists = "attribute_not_exists(pk)"
	condExists    = "attribute_exists(pk)"
)

// DynamoDBAPI defines the subset of the DynamoDB client interface that the
// adapter uses. This allows mocking in tests.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBAdapter stores each file as one item of a DynamoDB table whose
// partition key is the string attribute "pk". It suits small files such as
// avatars and thumbnails: content is capped just under the 400 KB item
// limit. It does not support streaming.
//
// Conditional writes make Put and Copy safe against concurrent creators,
// and Rename is a single transaction, so unlike the object-store adapters
// it never leaves both paths behind.
type DynamoDBAdapter struct {
	// Table is the DynamoDB table name.
	Table string

	target    string
	keys      keyspace
	overwrite bool
	client    DynamoDBAPI
}

var (
	_ Adapter       = (*DynamoDBAdapter)(nil)
	_ HealthChecker = (*DynamoDBAdapter)(nil)
)

// DynamoDBOptions configures a DynamoDBAdapter.
type DynamoDBOptions struct {
	Table           string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Overwrite       bool
}

// NewDynamoDBAdapter creates a DynamoDBAdapter using the default AWS
// credential chain (or static keys) and verifies the table exists.
func NewDynamoDBAdapter(ctx context.Context, target string, opts DynamoDBOptions) (*DynamoDBAdapter, error) {
	cfg, err := loadAWSConfig(ctx, opts.Region, opts.AccessKeyID, opts.SecretAccessKey)
	if err != nil {
		return nil, err
	}
	if opts.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(opts.Endpoint)
	}

	a, err := NewDynamoDBAdapterWithClient(target, opts, dynamodb.NewFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := a.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access DynamoDB table %q: %w", opts.Table, err)
	}

	slog.Info("DynamoDB adapter initialized", "target", target, "table", opts.Table, "region", opts.Region, "prefix", opts.Prefix)
	return a, nil
}

// NewDynamoDBAdapterWithClient creates a DynamoDBAdapter with a
// pre-configured client. This is primarily used for testing with mock
// clients.
func NewDynamoDBAdapterWithClient(target string, opts DynamoDBOptions, client DynamoDBAPI) (*DynamoDBAdapter, error) {
	keys, err := newKeyspace(target, opts.Prefix)
	if err != nil {
		return nil, err
	}
	return &DynamoDBAdapter{
		Table:     opts.Table,
		target:    target,
		keys:      keys,
		overwrite: opts.Overwrite,
		client:    client,
	}, nil
}

func newDynamoDBFromOptions(ctx context.Context, target string, opts Options) (Adapter, error) {
	table, err := opts.Required("table")
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}
	return NewDynamoDBAdapter(ctx, target, DynamoDBOptions{
		Table:           table,
		Region:          opts.String("region", "us-east-1"),
		Endpoint:        opts.String("endpoint", ""),
		Prefix:          opts.String("prefix", ""),
		AccessKeyID:     opts.String("access_key_id", ""),
		SecretAccessKey: opts.String("secret_access_key", ""),
		Overwrite:       overwrite,
	})
}

// Kind returns "dynamodb".
func (a *DynamoDBAdapter) Kind() string { return "dynamodb" }

func dynamoKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: key},
	}
}

func dynamoItem(key string, content []byte) map[string]types.AttributeValue {
	if content == nil {
		content = []byte{}
	}
	return map[string]types.AttributeValue{
		"pk":          &types.AttributeValueMemberS{Value: key},
		"data":        &types.AttributeValueMemberB{Value: content},
		"size":        &types.AttributeValueMemberN{Value: strconv.Itoa(len(content))},
		"modified_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(dynamoTimeFormat)},
	}
}

// getItem returns the item's content, or nil with ok false when there is
// no item for key. projectOnly skips fetching the content.
func (a *DynamoDBAdapter) getItem(ctx context.Context, key string, projectOnly bool) ([]byte, bool, error) {
	in := &dynamodb.GetItemInput{
		TableName:      aws.String(a.Table),
		Key:            dynamoKey(key),
		ConsistentRead: aws.Bool(true),
	}
	if projectOnly {
		in.ProjectionExpression = aws.String("pk")
	}
	resp, err := a.client.GetItem(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if resp.Item == nil {
		return nil, false, nil
	}
	if projectOnly {
		return nil, true, nil
	}
	data, ok := resp.Item["data"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, fmt.Errorf("item %q has no binary data attribute", key)
	}
	if data.Value == nil {
		return []byte{}, true, nil
	}
	return data.Value, true, nil
}

// Put writes the item, conditioned on its absence unless the adapter
// overwrites.
func (a *DynamoDBAdapter) Put(ctx context.Context, path string, content []byte) error {
	key, err := a.keys.key(opPut, path)
	if err != nil {
		return err
	}
	if len(content) > dynamoMaxContentBytes {
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path,
			fmt.Errorf("content of %d bytes exceeds the DynamoDB item limit", len(content)))
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(a.Table),
		Item:      dynamoItem(key, content),
	}
	if !a.overwrite {
		in.ConditionExpression = aws.String(condNotExists)
	}
	if _, err := a.client.PutItem(ctx, in); err != nil {
		if isDynamoConditionFailed(err) {
			return ferrors.New(ferrors.KindAlreadyExists, opPut, a.target, path, err)
		}
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, fmt.Errorf("writing to DynamoDB: %w", err))
	}
	return nil
}

// Get reads the item with a strongly consistent read.
func (a *DynamoDBAdapter) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := a.keys.key(opGet, path)
	if err != nil {
		return nil, err
	}
	data, ok, err := a.getItem(ctx, key, false)
	if err != nil {
		return nil, ferrors.New(ferrors.KindReadFailed, opGet, a.target, path, err)
	}
	if !ok {
		return nil, ferrors.New(ferrors.KindNotFound, opGet, a.target, path, nil)
	}
	return data, nil
}

// Exists reads only the key attribute.
func (a *DynamoDBAdapter) Exists(ctx context.Context, path string) (bool, error) {
	key, err := a.keys.key(opExists, path)
	if err != nil {
		return false, err
	}
	_, ok, err := a.getItem(ctx, key, true)
	if err != nil {
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	return ok, nil
}

// Delete removes the item, conditioned on its existence.
func (a *DynamoDBAdapter) Delete(ctx context.Context, path string) error {
	key, err := a.keys.key(opDelete, path)
	if err != nil {
		return err
	}
	_, err = a.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(a.Table),
		Key:                 dynamoKey(key),
		ConditionExpression: aws.String(condExists),
	})
	if err != nil {
		if isDynamoConditionFailed(err) {
			return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, err)
		}
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	return nil
}

// Rename writes dst and deletes src in one transaction.
func (a *DynamoDBAdapter) Rename(ctx context.Context, src, dst string) error {
	srcKey, dstKey, data, err := a.transferSource(ctx, opRename, src, dst)
	if err != nil {
		return err
	}

	_, err = a.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(a.Table),
				Item:                dynamoItem(dstKey, data),
				ConditionExpression: aws.String(condNotExists),
			}},
			{Delete: &types.Delete{
				TableName:           aws.String(a.Table),
				Key:                 dynamoKey(srcKey),
				ConditionExpression: aws.String(condExists),
			}},
		},
	})
	if err == nil {
		return nil
	}

	// Cancellation reasons are reported per item, in request order.
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for i, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) != "ConditionalCheckFailed" {
				continue
			}
			if i == 0 {
				return ferrors.New(ferrors.KindAlreadyExists, opRename, a.target, dst, err)
			}
			return ferrors.New(ferrors.KindNotFound, opRename, a.target, src, err)
		}
	}
	return ferrors.New(ferrors.KindOperationFailed, opRename, a.target, src, fmt.Errorf("renaming in DynamoDB: %w", err))
}

// Copy writes the source content to dst, conditioned on dst's absence.
func (a *DynamoDBAdapter) Copy(ctx context.Context, src, dst string) error {
	_, dstKey, data, err := a.transferSource(ctx, opCopy, src, dst)
	if err != nil {
		return err
	}
	_, err = a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(a.Table),
		Item:                dynamoItem(dstKey, data),
		ConditionExpression: aws.String(condNotExists),
	})
	if err != nil {
		if isDynamoConditionFailed(err) {
			return ferrors.New(ferrors.KindAlreadyExists, opCopy, a.target, dst, err)
		}
		return ferrors.New(ferrors.KindOperationFailed, opCopy, a.target, src, fmt.Errorf("copying in DynamoDB: %w", err))
	}
	return nil
}

// transferSource checks the destination, then reads the source.
func (a *DynamoDBAdapter) transferSource(ctx context.Context, op, src, dst string) (srcKey, dstKey string, data []byte, err error) {
	if srcKey, err = a.keys.key(op, src); err != nil {
		return "", "", nil, err
	}
	if dstKey, err = a.keys.key(op, dst); err != nil {
		return "", "", nil, err
	}

	_, taken, err := a.getItem(ctx, dstKey, true)
	if err != nil {
		return "", "", nil, ferrors.New(ferrors.KindOperationFailed, op, a.target, dst, err)
	}
	if taken {
		return "", "", nil, ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, nil)
	}

	data, ok, err := a.getItem(ctx, srcKey, false)
	if err != nil {
		return "", "", nil, ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	if !ok {
		return "", "", nil, ferrors.New(ferrors.KindNotFound, op, a.target, src, nil)
	}
	return srcKey, dstKey, data, nil
}

// HealthCheck describes the table.
func (a *DynamoDBAdapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(a.Table),
	})
	return err
}

// isDynamoConditionFailed checks for a failed condition expression.
func isDynamoConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "ConditionalCheckFailedException")
}
