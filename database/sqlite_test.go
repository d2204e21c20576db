//go:build !nosqlite

package database

import (
	"testing"
)

func TestSqliteChannels(t *testing.T) {
	db, err := OpenTempSqliteDB()
	if err != nil {
		t.Fatalf("OpenTempSqliteDB() failed: %v", err)
	}
	defer db.Close()

	testChannels(t, db)
}

func TestSqliteUpgrade(t *testing.T) {
	db, err := OpenTempSqliteDB()
	if err != nil {
		t.Fatalf("OpenTempSqliteDB() failed: %v", err)
	}
	defer db.Close()

	sqliteDB := db.(*SqliteDB)
	var version int
	if err := sqliteDB.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to query schema version: %v", err)
	}
	if version != len(sqliteMigrations) {
		t.Errorf("schema version = %v, but want %v", version, len(sqliteMigrations))
	}
	if err := sqliteDB.upgrade(); err != nil {
		t.Errorf("SqliteDB.upgrade() on up-to-date schema failed: %v", err)
	}
}
