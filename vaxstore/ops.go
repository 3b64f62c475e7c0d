// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Add inserts a new record and returns its primary key. It fails with a
// *DuplicateKeyError when the key or a uniquely indexed field already exists.
// In an auto-increment collection a record without a key (or with a zero key)
// gets the next integer key, which is also written into the stored record.
func (s *Store) Add(ctx context.Context, collection string, record json.RawMessage) (any, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	db, err := s.handle("add")
	if err != nil {
		return nil, err
	}
	key, ok, err := recordKey(c, record)
	if err != nil {
		return nil, err
	}
	if c.AutoIncrement && (!ok || isZeroKey(key)) {
		return s.insertAuto(ctx, db, c, record)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, c.Name, c.KeyPath)
	}

	q := fmt.Sprintf(`INSERT INTO %s(key, doc) VALUES (?, json(?))`, c.table())
	if _, err := db.ExecContext(ctx, q, key, string(record)); err != nil {
		return nil, classify("add", c, key, err)
	}
	return key, nil
}

func (s *Store) insertAuto(ctx context.Context, db *sql.DB, c CollectionSchema, record json.RawMessage) (any, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("add", c, nil, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(doc) VALUES (json(?))`, c.table()), string(record))
	if err != nil {
		return nil, classify("add", c, nil, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read assigned key: %w", err)
	}
	q := fmt.Sprintf(`UPDATE %s SET doc = json_set(doc, ?, key) WHERE key = ?`, c.table())
	if _, err := tx.ExecContext(ctx, q, "$."+c.KeyPath, id); err != nil {
		return nil, classify("add", c, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("add", c, id, err)
	}
	return id, nil
}

// Get returns the record stored under key. A missing record is reported with
// found=false and a nil error.
func (s *Store) Get(ctx context.Context, collection string, key any) (record json.RawMessage, found bool, err error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, false, err
	}
	db, err := s.handle("get")
	if err != nil {
		return nil, false, err
	}
	k, err := normalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	var doc string
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE key = ?`, c.table()), k).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get", c, k, err)
	}
	return json.RawMessage(doc), true, nil
}

// GetAll returns every record of the collection ordered by primary key.
func (s *Store) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	return s.selectDocs(ctx, collection, "", nil)
}

// GetAllByIndex returns the records whose indexed field equals value, ordered
// by primary key. A nil value matches records where the field is absent or null.
func (s *Store) GetAllByIndex(ctx context.Context, collection, index string, value any) ([]json.RawMessage, error) {
	return s.selectDocs(ctx, collection, index, value)
}

func (s *Store) selectDocs(ctx context.Context, collection, index string, value any) ([]json.RawMessage, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	db, err := s.handle("get all")
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(c, index, value)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s%s ORDER BY key`, c.table(), where), args...)
	if err != nil {
		return nil, classify("get all", c, nil, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, classify("get all", c, nil, err)
		}
		out = append(out, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, classify("get all", c, nil, err)
	}
	return out, nil
}

// Update upserts the record by primary key and returns the key.
func (s *Store) Update(ctx context.Context, collection string, record json.RawMessage) (any, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	db, err := s.handle("update")
	if err != nil {
		return nil, err
	}
	key, ok, err := recordKey(c, record)
	if err != nil {
		return nil, err
	}
	if c.AutoIncrement && (!ok || isZeroKey(key)) {
		return s.insertAuto(ctx, db, c, record)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, c.Name, c.KeyPath)
	}
	q := fmt.Sprintf(`INSERT INTO %s(key, doc) VALUES (?, json(?))
		ON CONFLICT(key) DO UPDATE SET doc = excluded.doc`, c.table())
	if _, err := db.ExecContext(ctx, q, key, string(record)); err != nil {
		return nil, classify("update", c, key, err)
	}
	return key, nil
}

// Delete removes the record stored under key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, collection string, key any) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	db, err := s.handle("delete")
	if err != nil {
		return err
	}
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, c.table()), k)
	return classify("delete", c, k, err)
}

// Clear removes every record of the collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	db, err := s.handle("clear")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, c.table()))
	return classify("clear", c, nil, err)
}

// Count returns the number of records, optionally restricted to an index match
// when index is not empty.
func (s *Store) Count(ctx context.Context, collection, index string, value any) (int, error) {
	c, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	db, err := s.handle("count")
	if err != nil {
		return 0, err
	}
	where, args, err := whereClause(c, index, value)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, c.table(), where), args...).Scan(&n); err != nil {
		return 0, classify("count", c, nil, err)
	}
	return n, nil
}

// Exists reports whether at least one record matches the index value. It stops
// at the first index entry instead of counting.
func (s *Store) Exists(ctx context.Context, collection, index string, value any) (bool, error) {
	c, err := s.collection(collection)
	if err != nil {
		return false, err
	}
	db, err := s.handle("exists")
	if err != nil {
		return false, err
	}
	where, args, err := whereClause(c, index, value)
	if err != nil {
		return false, err
	}
	var ok bool
	q := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s%s)`, c.table(), where)
	if err := db.QueryRowContext(ctx, q, args...).Scan(&ok); err != nil {
		return false, classify("exists", c, nil, err)
	}
	return ok, nil
}

// Modify reads the record under key and replaces it with the result of fn in
// one transaction. fn returning a nil record deletes it. found is false, and
// fn is not called, when the key does not exist.
func (s *Store) Modify(ctx context.Context, collection string, key any, fn func(record json.RawMessage) (json.RawMessage, error)) (found bool, err error) {
	c, err := s.collection(collection)
	if err != nil {
		return false, err
	}
	db, err := s.handle("modify")
	if err != nil {
		return false, err
	}
	k, err := normalizeKey(key)
	if err != nil {
		return false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify("modify", c, k, err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE key = ?`, c.table()), k).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("modify", c, k, err)
	}

	next, err := fn(json.RawMessage(doc))
	if err != nil {
		return true, err
	}
	if next == nil {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, c.table()), k)
	} else {
		nextKey, ok, kerr := recordKey(c, next)
		if kerr != nil {
			return true, kerr
		}
		if !ok || nextKey != k {
			return true, fmt.Errorf("modify %s: primary key must not change", c.Name)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET doc = json(?) WHERE key = ?`, c.table()), string(next), k)
	}
	if err != nil {
		return true, classify("modify", c, k, err)
	}
	if err := tx.Commit(); err != nil {
		return true, classify("modify", c, k, err)
	}
	return true, nil
}

// CollectionFootprint is the approximate serialized size of one collection.
type CollectionFootprint struct {
	Collection string `json:"collection"`
	Records    int    `json:"records"`
	Bytes      int64  `json:"bytes"`
}

// Footprint reports record counts and serialized byte sizes per declared
// collection. It is meant for diagnostics.
func (s *Store) Footprint(ctx context.Context) ([]CollectionFootprint, error) {
	db, err := s.handle("footprint")
	if err != nil {
		return nil, err
	}
	out := make([]CollectionFootprint, 0, len(s.config.Schema.Collections))
	for _, c := range s.config.Schema.Collections {
		fp := CollectionFootprint{Collection: c.Name}
		q := fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(length(CAST(doc AS BLOB))), 0) FROM %s`, c.table())
		if err := db.QueryRowContext(ctx, q).Scan(&fp.Records, &fp.Bytes); err != nil {
			return nil, classify("footprint", c, nil, err)
		}
		out = append(out, fp)
	}
	return out, nil
}

func whereClause(c CollectionSchema, index string, value any) (string, []any, error) {
	if index == "" {
		return "", nil, nil
	}
	ix, ok := c.index(index)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, c.Name, index)
	}
	if value == nil {
		return " WHERE " + fieldExpr(ix.KeyPath) + " IS NULL", nil, nil
	}
	v, err := normalizeValue(value)
	if err != nil {
		return "", nil, err
	}
	return " WHERE " + fieldExpr(ix.KeyPath) + " = ?", []any{v}, nil
}

func decodeRecord(record json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(record))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, ErrInvalidRecord
	}
	return fields, nil
}

// recordKey extracts and normalizes the primary key of record.
func recordKey(c CollectionSchema, record json.RawMessage) (any, bool, error) {
	fields, err := decodeRecord(record)
	if err != nil {
		return nil, false, err
	}
	var cur any = fields
	for _, part := range strings.Split(c.KeyPath, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return nil, false, nil
		}
	}
	key, err := normalizeKey(cur)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func isZeroKey(key any) bool {
	switch k := key.(type) {
	case int64:
		return k == 0
	case string:
		return k == ""
	}
	return false
}

// normalizeKey converts Go and JSON numbers to int64 (or float64 when not
// integral) so that keys compare equal regardless of how the caller typed them.
func normalizeKey(v any) (any, error) {
	switch k := v.(type) {
	case string:
		return k, nil
	case bool:
		return nil, fmt.Errorf("unsupported key type %T", v)
	}
	n, err := normalizeValue(v)
	if err != nil {
		return nil, err
	}
	switch n.(type) {
	case int64, float64:
		return n, nil
	}
	return nil, fmt.Errorf("unsupported key type %T", v)
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintValue(x)
	case float32:
		return floatValue(float64(x)), nil
	case float64:
		return floatValue(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return floatValue(f), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func uintValue(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("value %d overflows int64", u)
	}
	return int64(u), nil
}

func floatValue(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
