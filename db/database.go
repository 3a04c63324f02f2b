// Package db persists discovery observations to a local sqlite database.
//
// The store is an operator-facing log of the nodes a service has seen; the
// routing table is never reseeded from it.
package db

import (
	"embed"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// Database wraps the sqlite connection.
//
// sqlite allows one writer at a time; writes are serialized through a
// mutex while reads go through their own connection.
type Database struct {
	// ReaderDb serves queries
	ReaderDb *sqlx.DB

	// writerDb serves mutations, serialized by writeMu
	writerDb *sqlx.DB
	writeMu  sync.Mutex

	logger logrus.FieldLogger
}

// NewDatabase opens (or creates) the database at path and applies pending
// schema migrations. Use ":memory:" for an ephemeral store.
func NewDatabase(path string, logger logrus.FieldLogger) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dsn := fmt.Sprintf("file:%s?cache=shared", path)

	writer, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("db: failed to open reader: %w", err)
	}

	d := &Database{
		ReaderDb: reader,
		writerDb: writer,
		logger:   logger,
	}

	if err := d.migrate(); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

// migrate applies the embedded goose migrations.
func (d *Database) migrate() error {
	goose.SetBaseFS(schemaFiles)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("db: failed to set dialect: %w", err)
	}

	if err := goose.Up(d.writerDb.DB, "schema"); err != nil {
		return fmt.Errorf("db: migration failed: %w", err)
	}

	return nil
}

// RunTransaction executes fn inside a write transaction.
func (d *Database) RunTransaction(fn func(tx *sqlx.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.writerDb.Beginx()
	if err != nil {
		return fmt.Errorf("db: failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: failed to commit: %w", err)
	}

	return nil
}

// Close closes both connections.
func (d *Database) Close() error {
	var firstErr error
	if err := d.ReaderDb.Close(); err != nil {
		firstErr = err
	}
	if err := d.writerDb.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
