package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the persistent store handle shared by the pipeline and the query
// engine. Write transactions are exclusive; reads go straight to DB and see
// only committed rows.
type Store struct {
	DB   *sql.DB
	Gorm *gorm.DB
	Path string

	log     logrus.FieldLogger
	writeMu sync.Mutex
}

// DSN builds the modernc connection string for a database file.
func DSN(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_txlock=immediate"
}

// Open opens (creating if needed) the database at path. It does not touch
// the schema; call EnsureSchema afterwards.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open(driverName, DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	gdb, err := initGormDB(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.WithField("path", path).Debug("database: opened")
	return &Store{DB: db, Gorm: gdb, Path: path, log: log}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// WithWriteTx runs fn inside a short write transaction. Only one write
// transaction is open at a time across the process. Callers must not block
// on external work inside fn.
func (s *Store) WithWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.WithError(rbErr).Warn("database: rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithGormWriteTx is WithWriteTx for code that writes through GORM.
func (s *Store) WithGormWriteTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.Gorm.WithContext(ctx).Transaction(fn)
}

// lockWrites is used by schema application, which goes through gorm rather
// than WithWriteTx.
func (s *Store) lockWrites() func() {
	s.writeMu.Lock()
	return s.writeMu.Unlock
}
