// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrStoreUnavailable is matched by every error returned while the store
	// is not open or the underlying database cannot be used.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDuplicateKey is matched by *DuplicateKeyError.
	ErrDuplicateKey = errors.New("duplicate key")

	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrMissingKey        = errors.New("record has no primary key")
	ErrInvalidRecord     = errors.New("record must be a JSON object")

	errNotOpen = errors.New("store is not open")
)

// UnavailableError wraps the cause that made the store unusable.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable (%s): %v", e.Op, e.Err)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

// DuplicateKeyError reports a primary key or unique index collision on insert.
// Index is empty for a primary key collision.
type DuplicateKeyError struct {
	Collection string
	Index      string
	Key        any
	Err        error
}

func (e *DuplicateKeyError) Error() string {
	if e.Index != "" {
		return fmt.Sprintf("duplicate value for unique index %s.%s", e.Collection, e.Index)
	}
	return fmt.Sprintf("duplicate key %v in %s", e.Key, e.Collection)
}

func (e *DuplicateKeyError) Is(target error) bool { return target == ErrDuplicateKey }

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// classify maps driver errors onto the store taxonomy. Errors that are not
// recognised are wrapped with the operation name and returned as is.
func classify(op string, c CollectionSchema, key any, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return &DuplicateKeyError{Collection: c.Name, Index: violatedIndex(c, se.Error()), Key: key, Err: err}
		}
		switch se.Code {
		case sqlite3.ErrCantOpen, sqlite3.ErrFull, sqlite3.ErrIoErr, sqlite3.ErrReadonly,
			sqlite3.ErrNotADB, sqlite3.ErrCorrupt, sqlite3.ErrNomem:
			return &UnavailableError{Op: op, Err: err}
		}
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return &UnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s %s: %w", op, c.Name, err)
}

// violatedIndex returns the declared unique index named in a constraint
// message such as "UNIQUE constraint failed: index 'idx_mothers_phone'".
func violatedIndex(c CollectionSchema, msg string) string {
	for _, ix := range c.Indexes {
		if ix.Unique && strings.Contains(msg, c.indexName(ix)) {
			return ix.Name
		}
	}
	return ""
}
