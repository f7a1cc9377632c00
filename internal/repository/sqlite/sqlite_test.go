package sqlite

import (
	"context"
	"testing"
)

// newTestDB returns a fresh in-memory database, closed when the test ends.
// Each call gets its own database: ":memory:" is private to its connection
// and the pool holds exactly one.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	db := newTestDB(t)

	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate() error = %v", err)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestNew_HasAvatarColumn(t *testing.T) {
	db := newTestDB(t)

	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('users') WHERE name = 'avatar_url'`,
	).Scan(&count)
	if err != nil {
		t.Fatalf("pragma_table_info: %v", err)
	}
	if count != 1 {
		t.Errorf("users.avatar_url columns = %d, want 1", count)
	}
}
