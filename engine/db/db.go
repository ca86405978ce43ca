// Package db opens and migrates the sqlite database.
// Schema definitions belong to the modules that own them; this package
// only knows how to open a handle and apply a migration.
package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// Open opens the sqlite database at the given path, creating it if needed.
// WAL keeps readers from blocking the writer, and the busy timeout covers
// the brief lock handoffs WAL still has. A single connection sidesteps
// SQLITE_BUSY entirely for everything else.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenTest opens a throwaway database in the test's temp directory.
func OpenTest(t *testing.T) *sql.DB {
	db, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// MustMigrate applies a migration, panicking on error. Migrations run at
// module construction time, so a failure here means the binary can't work
// at all and crashing early is the right move.
func MustMigrate(db *sql.DB, migration string) {
	if _, err := db.Exec(migration); err != nil {
		panic(fmt.Errorf("error while migrating database: %s", err))
	}
}
