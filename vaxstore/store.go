// Package vaxstore provides the durable local record store of a field device:
// keyed JSON collections with secondary indexes on top of SQLite.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"
)

// Config holds configuration for the local record store
type Config struct {
	Path        string // database file, or ":memory:"
	Schema      Schema
	BusyTimeout time.Duration // 5s
}

// DefaultConfig returns a configuration for the vaccination tracker schema at path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:        path,
		Schema:      DefaultSchema(),
		BusyTimeout: 5 * time.Second,
	}
}

// Store is the local record store handle. It is created by the application's
// composition root and shared by every component that needs persistence.
type Store struct {
	config *Config
	logger *slog.Logger

	opening singleflight.Group

	mu          sync.RWMutex
	db          *sql.DB
	collections map[string]CollectionSchema
}

// New creates a store that is not yet open. Call Open before issuing operations.
func New(config *Config, logger *slog.Logger) *Store {
	if config == nil {
		config = DefaultConfig(":memory:")
	}
	if logger == nil {
		logger = slog.Default()
	}
	collections := make(map[string]CollectionSchema, len(config.Schema.Collections))
	for _, c := range config.Schema.Collections {
		collections[c.Name] = c
	}
	return &Store{
		config:      config,
		logger:      logger,
		collections: collections,
	}
}

// Open creates and opens a store in one step.
func Open(ctx context.Context, config *Config, logger *slog.Logger) (*Store, error) {
	s := New(config, logger)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open ensures the database exists and every declared collection and index is
// present. It is idempotent and memoized: concurrent callers share a single
// in-flight open, and calls after a successful open return immediately.
func (s *Store) Open(ctx context.Context) error {
	if s.ready() {
		return nil
	}
	_, err, _ := s.opening.Do("open", func() (any, error) {
		if s.ready() {
			return nil, nil
		}
		db, err := s.openDatabase(ctx)
		if err != nil {
			return nil, &UnavailableError{Op: "open", Err: err}
		}
		s.mu.Lock()
		s.db = db
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

// Close releases the database. Subsequent operations fail with ErrStoreUnavailable
// until Open is called again.
func (s *Store) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// Schema returns the declared schema.
func (s *Store) Schema() Schema {
	return s.config.Schema
}

func (s *Store) ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *Store) handle(op string) (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, &UnavailableError{Op: op, Err: errNotOpen}
	}
	return s.db, nil
}

func (s *Store) collection(name string) (CollectionSchema, error) {
	c, ok := s.collections[name]
	if !ok {
		return CollectionSchema{}, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return c, nil
}

func (s *Store) dsn() string {
	busy := s.config.BusyTimeout.Milliseconds()
	if s.config.Path == "" || s.config.Path == ":memory:" {
		return fmt.Sprintf("file::memory:?_busy_timeout=%d&_txlock=immediate", busy)
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		s.config.Path, busy)
}

func (s *Store) openDatabase(ctx context.Context) (*sql.DB, error) {
	if err := s.config.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := s.migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate runs the idempotent DDL for every declared collection and records
// the schema version. Existing tables and rows are never dropped.
func (s *Store) migrate(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	target := s.config.Schema.Version
	if current > target {
		return fmt.Errorf("stored schema version %d is newer than %d", current, target)
	}

	before, err := listCollections(ctx, db)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range s.config.Schema.Collections {
		if _, err := tx.ExecContext(ctx, c.createTableSQL()); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", c.Name, err)
		}
		for _, ix := range c.Indexes {
			if _, err := tx.ExecContext(ctx, c.createIndexSQL(ix)); err != nil {
				return fmt.Errorf("failed to create index %s.%s: %w", c.Name, ix.Name, err)
			}
		}
	}
	if current != target {
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, target)); err != nil {
			return fmt.Errorf("failed to write schema version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}

	switch {
	case current == 0:
		s.logger.Info("local store created", "path", s.config.Path, "version", target)
	case current < target:
		added := 0
		for _, c := range s.config.Schema.Collections {
			if _, ok := before[c.Name]; !ok {
				added++
			}
		}
		s.logger.Info("local store upgraded", "from", current, "to", target, "collections_added", added)
	}
	return nil
}
