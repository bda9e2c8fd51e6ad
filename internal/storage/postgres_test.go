package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bleepstore/filestore/internal/uid"
)

// newTestPostgresAdapter connects to FILESTORE_TEST_POSTGRES_DSN and uses a
// fresh table per test.
func newTestPostgresAdapter(t *testing.T, overwrite bool) *PostgresAdapter {
	t.Helper()
	dsn := os.Getenv("FILESTORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FILESTORE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	a, err := NewPostgresAdapter(ctx, "pg", PostgresOptions{
		DSN:       dsn,
		Table:     "filestore_test_" + uid.Short(),
		Overwrite: overwrite,
	})
	if err != nil {
		t.Fatalf("NewPostgresAdapter failed: %v", err)
	}
	t.Cleanup(func() {
		a.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+a.table)
		a.Close()
	})
	return a
}

func TestPostgresAdapterContract(t *testing.T) {
	testAdapterContract(t, newTestPostgresAdapter(t, false))
}

func TestPostgresOverwrite(t *testing.T) {
	a := newTestPostgresAdapter(t, true)
	ctx := context.Background()

	if err := a.Put(ctx, "f.txt", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, "f.txt", []byte("two")); err != nil {
		t.Fatalf("overwriting Put: %v", err)
	}
	got, err := a.Get(ctx, "f.txt")
	if err != nil || string(got) != "two" {
		t.Errorf("Get = %q, %v", got, err)
	}
}

func TestPostgresOptionsRequireDSN(t *testing.T) {
	_, err := newPostgresFromOptions(context.Background(), "pg", Options{"table": "files"})
	if err == nil {
		t.Fatal("expected error for missing dsn")
	}
}

func TestPostgresOptionsRejectBadDSN(t *testing.T) {
	_, err := newPostgresFromOptions(context.Background(), "pg", Options{"dsn": "postgres://%zz"})
	if err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "23505"}, true},
		{fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), true},
		{&pgconn.PgError{Code: "23503"}, false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isUniqueViolation(tt.err); got != tt.want {
			t.Errorf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
