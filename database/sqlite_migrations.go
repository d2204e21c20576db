//go:build !nosqlite

package database

var sqliteMigrations = []string{
	"", // migration #0 is reserved for schema initialization
}
