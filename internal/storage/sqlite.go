package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ferrors "github.com/bleepstore/filestore/internal/errors"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteAdapter stores file content as BLOBs in a SQLite database, making
// it suitable for small files in single-node or embedded deployments. It
// does not support streaming. Rename and Copy run in one transaction.
type SQLiteAdapter struct {
	db        *sql.DB
	target    string
	keys      keyspace
	overwrite bool
}

var (
	_ Adapter       = (*SQLiteAdapter)(nil)
	_ HealthChecker = (*SQLiteAdapter)(nil)
)

// NewSQLiteAdapter opens (or creates) the database at dbPath, applies
// performance PRAGMAs, and creates the files table.
func NewSQLiteAdapter(target, dbPath string, overwrite bool) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}
	// One writer at a time keeps BEGIN from racing on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	a := &SQLiteAdapter{db: db, target: target, keys: keyspace{target: target}, overwrite: overwrite}
	if err := a.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	slog.Info("SQLite adapter initialized", "target", target, "path", dbPath)
	return a, nil
}

func newSQLiteFromOptions(_ context.Context, target string, opts Options) (Adapter, error) {
	path, err := opts.Required("path")
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}
	return NewSQLiteAdapter(target, path, overwrite)
}

// initDB applies PRAGMAs and creates the required tables.
func (a *SQLiteAdapter) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := a.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS files (
			path        TEXT PRIMARY KEY,
			data        BLOB NOT NULL,
			size        INTEGER NOT NULL,
			modified_at INTEGER NOT NULL
		);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Kind returns "sqlite".
func (a *SQLiteAdapter) Kind() string { return "sqlite" }

// Close closes the database.
func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

// Put inserts the file. Without overwrite an existing row is left
// untouched and AlreadyExists is returned.
func (a *SQLiteAdapter) Put(ctx context.Context, path string, content []byte) error {
	key, err := a.keys.key(opPut, path)
	if err != nil {
		return err
	}
	if content == nil {
		content = []byte{}
	}

	query := `INSERT INTO files (path, data, size, modified_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING`
	if a.overwrite {
		query = `INSERT INTO files (path, data, size, modified_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET data = excluded.data, size = excluded.size, modified_at = excluded.modified_at`
	}
	res, err := a.db.ExecContext(ctx, query, key, content, len(content), time.Now().UnixNano())
	if err != nil {
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ferrors.New(ferrors.KindAlreadyExists, opPut, a.target, path, nil)
	}
	return nil
}

// Get returns the file content.
func (a *SQLiteAdapter) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := a.keys.key(opGet, path)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = a.db.QueryRowContext(ctx, "SELECT data FROM files WHERE path = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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
func (a *SQLiteAdapter) Exists(ctx context.Context, path string) (bool, error) {
	key, err := a.keys.key(opExists, path)
	if err != nil {
		return false, err
	}
	ok, err := rowExists(ctx, a.db, key)
	if err != nil {
		return false, ferrors.New(ferrors.KindReadFailed, opExists, a.target, path, err)
	}
	return ok, nil
}

// Delete removes the row for path.
func (a *SQLiteAdapter) Delete(ctx context.Context, path string) error {
	key, err := a.keys.key(opDelete, path)
	if err != nil {
		return err
	}
	res, err := a.db.ExecContext(ctx, "DELETE FROM files WHERE path = ?", key)
	if err != nil {
		return ferrors.New(ferrors.KindDeleteFailed, opDelete, a.target, path, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, nil)
	}
	return nil
}

// Rename moves src to dst in one transaction.
func (a *SQLiteAdapter) Rename(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, opRename, src, dst,
		"UPDATE files SET path = ?2, modified_at = ?3 WHERE path = ?1")
}

// Copy duplicates src to dst in one transaction.
func (a *SQLiteAdapter) Copy(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, opCopy, src, dst,
		"INSERT INTO files (path, data, size, modified_at) SELECT ?2, data, size, ?3 FROM files WHERE path = ?1")
}

// transfer runs a rename or copy statement after checking the destination
// and then the source inside a transaction. The statement takes the source
// key, destination key and modification time as ?1, ?2, ?3.
func (a *SQLiteAdapter) transfer(ctx context.Context, op, src, dst, stmt string) error {
	srcKey, err := a.keys.key(op, src)
	if err != nil {
		return err
	}
	dstKey, err := a.keys.key(op, dst)
	if err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	defer tx.Rollback()

	ok, err := rowExists(ctx, tx, dstKey)
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, dst, err)
	}
	if ok {
		return ferrors.New(ferrors.KindAlreadyExists, op, a.target, dst, nil)
	}

	res, err := tx.ExecContext(ctx, stmt, srcKey, dstKey, time.Now().UnixNano())
	if err != nil {
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ferrors.New(ferrors.KindNotFound, op, a.target, src, nil)
	}
	if err := tx.Commit(); err != nil {
		return ferrors.New(ferrors.KindOperationFailed, op, a.target, src, err)
	}
	return nil
}

// HealthCheck pings the database.
func (a *SQLiteAdapter) HealthCheck(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func rowExists(ctx context.Context, q queryRower, key string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM files WHERE path = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
