// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

type catalogQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// CollectionInfo describes a collection table as it exists on disk.
type CollectionInfo struct {
	Name    string
	Indexes []string // SQLite index names, sorted
}

// Collections lists the collection tables and their indexes found in the
// database, independent of the declared schema.
func (s *Store) Collections(ctx context.Context) ([]CollectionInfo, error) {
	db, err := s.handle("collections")
	if err != nil {
		return nil, err
	}
	found, err := listCollections(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]CollectionInfo, 0, len(found))
	for _, info := range found {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func listCollections(ctx context.Context, q catalogQueryer) (map[string]CollectionInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT type, name, tbl_name FROM sqlite_master
		WHERE type IN ('table', 'index') AND name NOT LIKE 'sqlite_%'
		ORDER BY type DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	defer rows.Close()

	out := make(map[string]CollectionInfo)
	for rows.Next() {
		var kind, name, table string
		if err := rows.Scan(&kind, &name, &table); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		// Tables sort before indexes, so the owning table is already present.
		switch kind {
		case "table":
			out[name] = CollectionInfo{Name: name}
		case "index":
			info := out[table]
			info.Name = table
			info.Indexes = append(info.Indexes, name)
			out[table] = info
		}
	}
	return out, rows.Err()
}
