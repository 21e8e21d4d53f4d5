package store

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLite opens a file-backed SQLite store. Foreign keys are enabled so
// deliveries follow their subscription on delete, and a single connection
// serializes writers.
func NewSQLite(path string) (*SQL, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQL{db: db, dialect: DialectSQLite}, nil
}
