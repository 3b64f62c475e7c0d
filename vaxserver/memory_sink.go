// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxserver

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
)

type actionKey struct {
	deviceID string
	key      string
}

type recordKey struct {
	kind string
	id   string
}

// MemorySink keeps actions and records in memory.
type MemorySink struct {
	mu      sync.Mutex
	actions map[actionKey]Action
	records map[recordKey]map[string]json.RawMessage
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		actions: make(map[actionKey]Action),
		records: make(map[recordKey]map[string]json.RawMessage),
	}
}

func (m *MemorySink) Apply(ctx context.Context, a Action) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(a.Payload, &fields); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	idJSON, err := json.Marshal(a.RecordID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := actionKey{deviceID: a.DeviceID, key: a.IdempotencyKey}
	if _, seen := m.actions[k]; seen {
		return ErrDuplicateAction
	}
	m.actions[k] = a

	rk := recordKey{kind: a.Kind, id: a.RecordID}
	doc := m.records[rk]
	if doc == nil {
		doc = make(map[string]json.RawMessage, len(fields)+1)
		m.records[rk] = doc
	}
	maps.Copy(doc, fields)
	doc["id"] = idJSON
	return nil
}

func (m *MemorySink) Record(ctx context.Context, kind, id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.records[recordKey{kind: kind, id: id}]
	if !ok {
		return nil, false, nil
	}
	out, err := json.Marshal(doc)
	return out, true, err
}

func (m *MemorySink) ActionCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions), nil
}
