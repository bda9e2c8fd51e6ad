package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

const pgUniqueViolation = "23505"

// PostgresAdapter stores file content as BYTEA rows in a PostgreSQL table.
// Rename and Copy run in one transaction. It does not support streaming.
type PostgresAdapter struct {
	Table string

	pool      *pgxpool.Pool
	table     string // sanitized identifier
	target    string
	keys      keyspace
	overwrite bool
}

var (
	_ Adapter       = (*PostgresAdapter)(nil)
	_ HealthChecker = (*PostgresAdapter)(nil)
)

// PostgresOptions configures a PostgresAdapter.
type PostgresOptions struct {
	DSN       string
	Table     string
	Prefix    string
	PoolSize  int32
	Overwrite bool
}

// querier is implemented by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewPostgresAdapter connects to the database, verifies it with a ping and
// creates the files table.
func NewPostgresAdapter(ctx context.Context, target string, opts PostgresOptions) (*PostgresAdapter, error) {
	keys, err := newKeyspace(target, opts.Prefix)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if opts.PoolSize > 0 {
		poolCfg.MaxConns = opts.PoolSize
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if opts.Table == "" {
		opts.Table = "filestore_files"
	}
	a := &PostgresAdapter{
		Table:     opts.Table,
		pool:      pool,
		table:     pgx.Identifier{opts.Table}.Sanitize(),
		target:    target,
		keys:      keys,
		overwrite: opts.Overwrite,
	}
	if err := a.initDB(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing PostgreSQL storage table: %w", err)
	}
	slog.Info("PostgreSQL adapter initialized", "target", target, "table", opts.Table)
	return a, nil
}

func newPostgresFromOptions(ctx context.Context, target string, opts Options) (Adapter, error) {
	dsn, err := opts.Required("dsn")
	if err != nil {
		return nil, err
	}
	poolSize, err := opts.Int64("pool_size", 0)
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}
	return NewPostgresAdapter(ctx, target, PostgresOptions{
		DSN:       dsn,
		Table:     opts.String("table", ""),
		Prefix:    opts.String("prefix", ""),
		PoolSize:  int32(poolSize),
		Overwrite: overwrite,
	})
}

func (a *PostgresAdapter) initDB(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+a.table+` (
		path        TEXT PRIMARY KEY,
		data        BYTEA NOT NULL,
		size        BIGINT NOT NULL,
		modified_at BIGINT NOT NULL
	)`)
	return err
}

// Kind returns "postgres".
func (a *PostgresAdapter) Kind() string { return "postgres" }

// Close closes the connection pool.
func (a *PostgresAdapter) Close() error {
	a.pool.Close()
	return nil
}

// Put inserts the file. Without overwrite an existing row is left
// untouched and AlreadyExists is returned.
func (a *PostgresAdapter) Put(ctx context.Context, path string, content []byte) error {
	key, err := a.keys.key(opPut, path)
	if err != nil {
		return err
	}
	if content == nil {
		content = []byte{}
	}

	query := `INSERT INTO ` + a.table + ` (path, data, size, modified_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO NOTHING`
	if a.overwrite {
		query = `INSERT INTO ` + a.table + ` (path, data, size, modified_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (path) DO UPDATE SET data = excluded.data, size = excluded.size, modified_at = excluded.modified_at`
	}
	tag, err := a.pool.Exec(ctx, query, key, content, int64(len(content)), time.Now().UnixNano())
	if err != nil {
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, err)
	}
	if tag.RowsAffected() == 0 {
		return ferrors.New(ferrors.KindAlreadyExists, opPut, a.target, path, nil)
	}
	return nil
}

// Get returns the file content.
func (a *PostgresAdapter) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := a.keys.key(opGet, path)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = a.pool.QueryRow(ctx, `SELECT data FROM `+a.table+` WHERE path = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ferrors.New(ferrors.KindNotFound, opGet, a.target, path, nil)
	}
	if err != nil {
		return nil, ferrors.New(ferrors.KindReadFailed, opGet, a.target, path, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Exists reports whether a row exists for path.
func (a *PostgresAdapter) Exists(ctx context.Context, path string) (bool, error) {
	key, err := a.keys.key(opExists, path)
	if err != nil {
		return false, err
	}
	ok, err := a.rowExists(ctx, a.pool, key)
	if err != nil {
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	return ok, nil
}

// Delete removes the row for path.
func (a *PostgresAdapter) Delete(ctx context.Context, path string) error {
	key, err := a.keys.key(opDelete, path)
	if err != nil {
		return err
	}
	tag, err := a.pool.Exec(ctx, `DELETE FROM `+a.table+` WHERE path = $1`, key)
	if err != nil {
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	if tag.RowsAffected() == 0 {
		return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, nil)
	}
	return nil
}

// Rename moves src to dst in one transaction.
func (a *PostgresAdapter) Rename(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, opRename, src, dst,
		`UPDATE `+a.table+` SET path = $2, modified_at = $3 WHERE path = $1`)
}

// Copy duplicates src to dst in one transaction.
func (a *PostgresAdapter) Copy(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, opCopy, src, dst,
		`INSERT INTO `+a.table+` (path, data, size, modified_at) SELECT $2, data, size, $3 FROM `+a.table+` WHERE path = $1`)
}

// transfer checks the destination and then runs stmt with the source key,
// destination key and modification time as $1, $2, $3. A destination
// inserted by a concurrent writer after the check surfaces as a unique
// violation and is reported as AlreadyExists.
func (a *PostgresAdapter) transfer(ctx context.Context, op, src, dst, stmt string) error {
	srcKey, err := a.keys.key(op, src)
	if err != nil {
		return err
	}
	dstKey, err := a.keys.key(op, dst)
	if err != nil {
		return err
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	defer tx.Rollback(ctx)

	ok, err := a.rowExists(ctx, tx, dstKey)
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, dst, err)
	}
	if ok {
		return ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, nil)
	}

	tag, err := tx.Exec(ctx, stmt, srcKey, dstKey, time.Now().UnixNano())
	if isUniqueViolation(err) {
		return ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, err)
	}
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	if tag.RowsAffected() == 0 {
		return ferrors.New(ferrors.KindNotFound, op, a.target, src, nil)
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, err)
		}
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	return nil
}

// HealthCheck pings the database.
func (a *PostgresAdapter) HealthCheck(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

func (a *PostgresAdapter) rowExists(ctx context.Context, q querier, key string) (bool, error) {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM `+a.table+` WHERE path = $1`, key).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
