package database

var postgresMigrations = []string{
	"", // migration #0 is reserved for schema initialization
}
