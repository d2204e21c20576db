package database

import (
	"os"
	"testing"
)

func TestPostgresChannels(t *testing.T) {
	source, ok := os.LookupEnv("LUTEUS_TEST_POSTGRES")
	if !ok {
		t.Skip("set LUTEUS_TEST_POSTGRES to a connection string to execute PostgreSQL tests")
	}

	db, err := OpenTempPostgresDB(source)
	if err != nil {
		t.Fatalf("OpenTempPostgresDB() failed: %v", err)
	}
	defer db.Close()

	testChannels(t, db)

	// Upgrading an up-to-date schema is a no-op
	if err := db.(*PostgresDB).upgrade(); err != nil {
		t.Errorf("PostgresDB.upgrade() failed: %v", err)
	}
}
