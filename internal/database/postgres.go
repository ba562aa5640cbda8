package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"
)

type PgRepository struct {
	conn *sql.DB
	feed *changeFeed
	log  *log.Logger
}

// NewPgRepository connects to dsn and starts listening for room changes.
func NewPgRepository(dsn string, l *log.Logger) (*PgRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	feed, err := newChangeFeed(dsn, l)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &PgRepository{conn: db, feed: feed, log: l}, nil
}

func (db *PgRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate applies all pending schema migrations.
func (db *PgRepository) Migrate() error {
	if err := migrateUp(db.conn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (db *PgRepository) Close() error {
	if db.feed != nil {
		db.feed.close()
	}
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
