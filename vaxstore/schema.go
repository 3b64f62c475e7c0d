// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxstore

import (
	"fmt"
	"regexp"
	"strings"
)

// Collection names of the default schema.
const (
	CollectionChildren     = "children"
	CollectionVaccinations = "vaccinations"
	CollectionMothers      = "mothers"
	CollectionCHWs         = "chws"
	CollectionFacilities   = "facilities"
	CollectionSyncQueue    = "sync_queue"
	CollectionSettings     = "settings"
)

// SchemaVersion is the version of DefaultSchema. Bump it whenever a collection
// or index is added so that existing stores pick up the change on next Open.
const SchemaVersion = 1

// IndexSchema declares a secondary index over one field of the stored record.
type IndexSchema struct {
	Name    string // name used by GetAll / Count lookups
	KeyPath string // dotted JSON field path, e.g. "motherId"
	Unique  bool
}

// CollectionSchema declares one keyed collection.
type CollectionSchema struct {
	Name          string
	KeyPath       string // JSON field holding the primary key
	AutoIncrement bool   // store assigns integer keys when the record has none
	Indexes       []IndexSchema
}

// Schema is the full set of collections the store guarantees after Open.
type Schema struct {
	Version     int
	Collections []CollectionSchema
}

// DefaultSchema returns the vaccination tracker layout.
func DefaultSchema() Schema {
	return Schema{
		Version: SchemaVersion,
		Collections: []CollectionSchema{
			{
				Name:    CollectionChildren,
				KeyPath: "id",
				Indexes: []IndexSchema{
					{Name: "motherId", KeyPath: "motherId"},
					{Name: "dateOfBirth", KeyPath: "dateOfBirth"},
				},
			},
			{
				Name:    CollectionVaccinations,
				KeyPath: "id",
				Indexes: []IndexSchema{
					{Name: "childId", KeyPath: "childId"},
					{Name: "status", KeyPath: "status"},
					{Name: "dueDate", KeyPath: "dueDate"},
				},
			},
			{
				Name:    CollectionMothers,
				KeyPath: "id",
				Indexes: []IndexSchema{
					{Name: "phone", KeyPath: "phone", Unique: true},
					{Name: "chwId", KeyPath: "chwId"},
				},
			},
			{
				Name:    CollectionCHWs,
				KeyPath: "id",
				Indexes: []IndexSchema{
					{Name: "facilityId", KeyPath: "facilityId"},
				},
			},
			{
				Name:    CollectionFacilities,
				KeyPath: "id",
				Indexes: []IndexSchema{
					{Name: "county", KeyPath: "county"},
				},
			},
			{
				Name:          CollectionSyncQueue,
				KeyPath:       "id",
				AutoIncrement: true,
				Indexes: []IndexSchema{
					{Name: "action", KeyPath: "action"},
					{Name: "timestamp", KeyPath: "timestamp"},
					{Name: "status", KeyPath: "status"},
				},
			},
			{
				Name:    CollectionSettings,
				KeyPath: "key",
			},
		},
	}
}

var (
	identRe   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	keyPathRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)
)

// Validate checks names and key paths. They are embedded into DDL and index
// expressions, so only plain identifiers are accepted.
func (s Schema) Validate() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be >= 1, got %d", s.Version)
	}
	seen := make(map[string]bool, len(s.Collections))
	for _, c := range s.Collections {
		if !identRe.MatchString(c.Name) {
			return fmt.Errorf("invalid collection name %q", c.Name)
		}
		if strings.HasPrefix(c.Name, "sqlite_") {
			return fmt.Errorf("collection name %q is reserved", c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate collection %q", c.Name)
		}
		seen[c.Name] = true
		if !keyPathRe.MatchString(c.KeyPath) {
			return fmt.Errorf("collection %s: invalid key path %q", c.Name, c.KeyPath)
		}
		idx := make(map[string]bool, len(c.Indexes))
		for _, ix := range c.Indexes {
			if !identRe.MatchString(ix.Name) {
				return fmt.Errorf("collection %s: invalid index name %q", c.Name, ix.Name)
			}
			if idx[ix.Name] {
				return fmt.Errorf("collection %s: duplicate index %q", c.Name, ix.Name)
			}
			idx[ix.Name] = true
			if !keyPathRe.MatchString(ix.KeyPath) {
				return fmt.Errorf("collection %s: invalid index key path %q", c.Name, ix.KeyPath)
			}
		}
	}
	return nil
}

func (c CollectionSchema) index(name string) (IndexSchema, bool) {
	for _, ix := range c.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return IndexSchema{}, false
}

func (c CollectionSchema) table() string {
	return quoteIdent(c.Name)
}

func (c CollectionSchema) indexName(ix IndexSchema) string {
	return "idx_" + c.Name + "_" + ix.Name
}

func (c CollectionSchema) createTableSQL() string {
	if c.AutoIncrement {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key INTEGER PRIMARY KEY AUTOINCREMENT,
			doc TEXT NOT NULL
		)`, c.table())
	}
	// No declared type on key: SQLite keeps integer and text keys as given.
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key NOT NULL PRIMARY KEY,
		doc TEXT NOT NULL
	)`, c.table())
}

func (c CollectionSchema) createIndexSQL(ix IndexSchema) string {
	unique := ""
	if ix.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %s ON %s(%s)`,
		unique, quoteIdent(c.indexName(ix)), c.table(), fieldExpr(ix.KeyPath))
}

// fieldExpr must stay byte-identical between index DDL and lookups, otherwise
// the planner will not use the expression index.
func fieldExpr(keyPath string) string {
	return fmt.Sprintf("json_extract(doc, '$.%s')", keyPath)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
