// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection is a typed view of one collection. Records are stored as their
// JSON encoding, so T must round-trip through encoding/json.
type Collection[T any] struct {
	store *Store
	name  string
}

// NewCollection returns a typed view of the named collection.
func NewCollection[T any](store *Store, name string) *Collection[T] {
	return &Collection[T]{store: store, name: name}
}

func (c *Collection[T]) Add(ctx context.Context, rec T) (any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", c.name, err)
	}
	return c.store.Add(ctx, c.name, raw)
}

func (c *Collection[T]) Put(ctx context.Context, rec T) (any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", c.name, err)
	}
	return c.store.Update(ctx, c.name, raw)
}

func (c *Collection[T]) Get(ctx context.Context, key any) (T, bool, error) {
	var rec T
	raw, found, err := c.store.Get(ctx, c.name, key)
	if err != nil || !found {
		return rec, found, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, false, fmt.Errorf("failed to decode %s record: %w", c.name, err)
	}
	return rec, true, nil
}

func (c *Collection[T]) All(ctx context.Context) ([]T, error) {
	raws, err := c.store.GetAll(ctx, c.name)
	if err != nil {
		return nil, err
	}
	return c.decodeAll(raws)
}

// Find returns the records whose index field equals value.
func (c *Collection[T]) Find(ctx context.Context, index string, value any) ([]T, error) {
	raws, err := c.store.GetAllByIndex(ctx, c.name, index, value)
	if err != nil {
		return nil, err
	}
	return c.decodeAll(raws)
}

func (c *Collection[T]) Delete(ctx context.Context, key any) error {
	return c.store.Delete(ctx, c.name, key)
}

func (c *Collection[T]) Clear(ctx context.Context) error {
	return c.store.Clear(ctx, c.name)
}

// Count counts all records when index is empty, otherwise the index matches.
func (c *Collection[T]) Count(ctx context.Context, index string, value any) (int, error) {
	return c.store.Count(ctx, c.name, index, value)
}

func (c *Collection[T]) Exists(ctx context.Context, index string, value any) (bool, error) {
	return c.store.Exists(ctx, c.name, index, value)
}

// Modify applies fn to the stored record atomically. When fn returns
// keep=false the record is deleted.
func (c *Collection[T]) Modify(ctx context.Context, key any, fn func(rec *T) (keep bool, err error)) (bool, error) {
	return c.store.Modify(ctx, c.name, key, func(raw json.RawMessage) (json.RawMessage, error) {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s record: %w", c.name, err)
		}
		keep, err := fn(&rec)
		if err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return json.Marshal(rec)
	})
}

func (c *Collection[T]) decodeAll(raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s record: %w", c.name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
