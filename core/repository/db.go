package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the SQL connection pool
type DB struct {
	*sql.DB
}

// NewDB opens and pings a postgres database
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	return &DB{DB: db}, nil
}
