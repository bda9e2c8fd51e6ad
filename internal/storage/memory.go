package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	ferrors "github.com/bleepstore/filestore/internal/errors"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var errMemoryLimit = errors.New("memory storage limit exceeded")

// memFile holds the content of one in-memory file.
type memFile struct {
	Data    []byte
	ModTime time.Time
}

// MemoryAdapter keeps files in a map. It does not support streaming. It
// optionally persists snapshots to a SQLite file so that data survives
// restarts.
type MemoryAdapter struct {
	mu           sync.RWMutex
	files        map[string]memFile
	currentSize  int64
	maxSizeBytes int64

	target           string
	keys             keyspace
	overwrite        bool
	snapshotPath     string
	snapshotInterval time.Duration
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
}

var (
	_ Adapter       = (*MemoryAdapter)(nil)
	_ HealthChecker = (*MemoryAdapter)(nil)
)

// MemoryOptions configures a MemoryAdapter.
type MemoryOptions struct {
	// MaxSizeBytes caps the total stored bytes. Zero means unlimited.
	MaxSizeBytes int64
	// SnapshotPath enables snapshot persistence when non-empty.
	SnapshotPath string
	// SnapshotInterval is the period between background snapshots. Zero
	// writes a snapshot only on Close.
	SnapshotInterval time.Duration
	// Overwrite lets Put replace existing files.
	Overwrite bool
}

// NewMemoryAdapter creates a MemoryAdapter. With a snapshot path it loads
// any existing snapshot and starts a background goroutine that writes
// periodic snapshots.
func NewMemoryAdapter(target string, opts MemoryOptions) (*MemoryAdapter, error) {
	a := &MemoryAdapter{
		files:            make(map[string]memFile),
		maxSizeBytes:     opts.MaxSizeBytes,
		target:           target,
		keys:             keyspace{target: target},
		overwrite:        opts.Overwrite,
		snapshotPath:     opts.SnapshotPath,
		snapshotInterval: opts.SnapshotInterval,
		stopCh:           make(chan struct{}),
	}

	if a.snapshotPath != "" {
		if err := a.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if a.snapshotInterval > 0 {
			a.wg.Add(1)
			go a.snapshotLoop()
		}
	}
	slog.Info("Memory adapter initialized", "target", target, "files", len(a.files), "snapshot", a.snapshotPath)
	return a, nil
}

func newMemoryFromOptions(_ context.Context, target string, opts Options) (Adapter, error) {
	maxSize, err := opts.Int64("max_size_bytes", 0)
	if err != nil {
		return nil, err
	}
	interval, err := opts.Duration("snapshot_interval", 0)
	if err != nil {
		return nil, err
	}
	overwrite, err := opts.Bool("overwrite", false)
	if err != nil {
		return nil, err
	}
	return NewMemoryAdapter(target, MemoryOptions{
		MaxSizeBytes:     maxSize,
		SnapshotPath:     opts.String("snapshot_path", ""),
		SnapshotInterval: interval,
		Overwrite:        overwrite,
	})
}

// Kind returns "memory".
func (a *MemoryAdapter) Kind() string { return "memory" }

// storeLocked replaces the file at key, enforcing the size limit.
func (a *MemoryAdapter) storeLocked(key string, data []byte) error {
	delta := int64(len(data))
	if old, ok := a.files[key]; ok {
		delta -= int64(len(old.Data))
	}
	if a.maxSizeBytes > 0 && a.currentSize+delta > a.maxSizeBytes {
		return errMemoryLimit
	}
	a.files[key] = memFile{Data: data, ModTime: time.Now()}
	a.currentSize += delta
	return nil
}

// Put stores a copy of content.
func (a *MemoryAdapter) Put(ctx context.Context, path string, content []byte) error {
	key, err := a.keys.key(opPut, path)
	if err != nil {
		return err
	}
	data := make([]byte, len(content))
	copy(data, content)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.files[key]; ok && !a.overwrite {
		return ferrors.New(ferrors.KindAlreadyExists, opPut, a.target, path, nil)
	}
	if err := a.storeLocked(key, data); err != nil {
		return ferrors.New(ferrors.KindWriteFailed, opPut, a.target, path, err)
	}
	return nil
}

// Get returns a copy of the file content.
func (a *MemoryAdapter) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := a.keys.key(opGet, path)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	f, ok := a.files[key]
	a.mu.RUnlock()
	if !ok {
		return nil, ferrors.New(ferrors.KindNotFound, opGet, a.target, path, nil)
	}
	out := make([]byte, len(f.Data))
	copy(out, f.Data)
	return out, nil
}

// Exists reports whether a file is stored at path.
func (a *MemoryAdapter) Exists(ctx context.Context, path string) (bool, error) {
	key, err := a.keys.key(opExists, path)
	if err != nil {
		return false, err
	}
	a.mu.RLock()
	_, ok := a.files[key]
	a.mu.RUnlock()
	return ok, nil
}

// Delete removes the file at path.
func (a *MemoryAdapter) Delete(ctx context.Context, path string) error {
	key, err := a.keys.key(opDelete, path)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.files[key]
	if !ok {
		return ferrors.New(ferrors.KindNotFound, opDelete, a.target, path, nil)
	}
	a.currentSize -= int64(len(f.Data))
	delete(a.files, key)
	return nil
}

// Rename moves src to dst atomically.
func (a *MemoryAdapter) Rename(ctx context.Context, src, dst string) error {
	srcKey, err := a.keys.key(opRename, src)
	if err != nil {
		return err
	}
	dstKey, err := a.keys.key(opRename, dst)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.files[dstKey]; ok {
		return ferrors.New(ferrors.KindAlreadyExists, opRename, a.target, dst, nil)
	}
	f, ok := a.files[srcKey]
	if !ok {
		return ferrors.New(ferrors.KindNotFound, opRename, a.target, src, nil)
	}
	a.files[dstKey] = f
	delete(a.files, srcKey)
	return nil
}

// Copy duplicates src to dst atomically. Stored slices are never mutated,
// so the copy shares the source's backing array.
func (a *MemoryAdapter) Copy(ctx context.Context, src, dst string) error {
	srcKey, err := a.keys.key(opCopy, src)
	if err != nil {
		return err
	}
	dstKey, err := a.keys.key(opCopy, dst)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.files[dstKey]; ok {
		return ferrors.New(ferrors.KindAlreadyExists, opCopy, a.target, dst, nil)
	}
	f, ok := a.files[srcKey]
	if !ok {
		return ferrors.New(ferrors.KindNotFound, opCopy, a.target, src, nil)
	}
	if err := a.storeLocked(dstKey, f.Data); err != nil {
		return ferrors.New(ferrors.KindOperationFailed, opCopy, a.target, dst, err)
	}
	return nil
}

// HealthCheck always succeeds.
func (a *MemoryAdapter) HealthCheck(ctx context.Context) error {
	return nil
}

// Close stops the snapshot goroutine and writes a final snapshot.
func (a *MemoryAdapter) Close() error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.wg.Wait()
		if a.snapshotPath != "" {
			if serr := a.writeSnapshot(); serr != nil {
				err = fmt.Errorf("writing final snapshot: %w", serr)
			}
		}
	})
	return err
}

// snapshotLoop runs in a background goroutine and periodically writes
// snapshots at the configured interval.
func (a *MemoryAdapter) snapshotLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.writeSnapshot(); err != nil {
				slog.Error("Memory adapter snapshot failed", "target", a.target, "error", err)
			}
		}
	}
}

// loadSnapshot restores the in-memory state from a SQLite snapshot file.
// If the file does not exist, this is a no-op (fresh start).
func (a *MemoryAdapter) loadSnapshot() error {
	if _, err := os.Stat(a.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", a.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'file_snapshots'`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tableCount == 0 {
		return nil
	}

	rows, err := db.Query("SELECT path, data, modified_at FROM file_snapshots")
	if err != nil {
		return fmt.Errorf("querying file snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		var data []byte
		var modified int64
		if err := rows.Scan(&path, &data, &modified); err != nil {
			return fmt.Errorf("scanning file snapshot row: %w", err)
		}
		a.files[path] = memFile{Data: data, ModTime: time.Unix(0, modified)}
		a.currentSize += int64(len(data))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating file snapshot rows: %w", err)
	}
	return nil
}

// writeSnapshot atomically writes the current in-memory state to a SQLite
// snapshot file. It writes to a temporary file first, then renames it to
// the final path for crash safety.
func (a *MemoryAdapter) writeSnapshot() error {
	a.mu.RLock()
	filesCopy := make(map[string]memFile, len(a.files))
	for k, v := range a.files {
		filesCopy[k] = v
	}
	a.mu.RUnlock()

	dir := filepath.Dir(a.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := a.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	if err := writeSnapshotDB(tmpPath, filesCopy); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, a.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}

func writeSnapshotDB(path string, files map[string]memFile) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}
	defer db.Close()

	schema := `
		PRAGMA synchronous = FULL;

		CREATE TABLE file_snapshots (
			path        TEXT PRIMARY KEY,
			data        BLOB NOT NULL,
			modified_at INTEGER NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating snapshot schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO file_snapshots (path, data, modified_at) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing file insert: %w", err)
	}
	defer stmt.Close()

	// Sort keys for deterministic output.
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		f := files[k]
		if _, err := stmt.Exec(k, f.Data, f.ModTime.UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting file snapshot for %q: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}
