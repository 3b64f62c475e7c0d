// Package syncqueue keeps the durable list of mutations that still have to be
// replayed against the remote API.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/vaxstore"
)

// Status of a queued item.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed" // retry budget exhausted
)

// Item is one deferred mutation.
type Item struct {
	ID             int64           `json:"id,omitempty"`
	Action         string          `json:"action"`
	Data           json.RawMessage `json:"data"`
	Timestamp      int64           `json:"timestamp"` // unix millis at enqueue
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
	UpdatedAt      int64           `json:"updatedAt"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// Resolution is what MarkResult did with an item.
type Resolution int

const (
	Missing   Resolution = iota // item no longer exists
	Synced                      // replay succeeded
	Retrying                    // replay failed, item stays pending
	Abandoned                   // replay failed and the retry budget is spent
)

func (r Resolution) String() string {
	switch r {
	case Synced:
		return "synced"
	case Retrying:
		return "retrying"
	case Abandoned:
		return "abandoned"
	default:
		return "missing"
	}
}

// Config holds configuration for the sync queue
type Config struct {
	RetryBudget    int           // attempts before an item is marked failed (3)
	AuditRetention time.Duration // keep synced and failed items this long; 0 deletes synced items at once
	Now            func() time.Time
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		RetryBudget: 3,
		Now:         time.Now,
	}
}

// Queue is the sync queue on top of the local record store.
type Queue struct {
	items  *vaxstore.Collection[Item]
	config *Config
	logger *slog.Logger
}

// New creates a queue backed by the store's sync_queue collection.
func New(store *vaxstore.Store, config *Config, logger *slog.Logger) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RetryBudget <= 0 {
		config.RetryBudget = 3
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		items:  vaxstore.NewCollection[Item](store, vaxstore.CollectionSyncQueue),
		config: config,
		logger: logger,
	}
}

// RetryBudget returns the configured number of attempts per item.
func (q *Queue) RetryBudget() int { return q.config.RetryBudget }

// Enqueue appends a pending item and returns its id. data is stored verbatim
// when it is a json.RawMessage or []byte, otherwise it is JSON encoded.
// Enqueue never depends on network state.
func (q *Queue) Enqueue(ctx context.Context, action string, data any) (int64, error) {
	if action == "" {
		return 0, errors.New("action is required")
	}
	payload, err := encodePayload(data)
	if err != nil {
		return 0, err
	}
	now := q.config.Now().UnixMilli()
	key, err := q.items.Add(ctx, Item{
		Action:         action,
		Data:           payload,
		Timestamp:      now,
		Status:         StatusPending,
		UpdatedAt:      now,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s: %w", action, err)
	}
	id, _ := key.(int64)
	q.logger.Debug("queued action", "item_id", id, "action", action)
	return id, nil
}

func encodePayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}

// ListPending returns pending items in insertion order.
func (q *Queue) ListPending(ctx context.Context) ([]Item, error) {
	return q.byStatus(ctx, StatusPending)
}

// ListFailed returns the items abandoned after exhausting the retry budget.
func (q *Queue) ListFailed(ctx context.Context) ([]Item, error) {
	return q.byStatus(ctx, StatusFailed)
}

func (q *Queue) byStatus(ctx context.Context, status Status) ([]Item, error) {
	items, err := q.items.Find(ctx, "status", string(status))
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// HasPending reports whether any item is pending, using only the status index.
func (q *Queue) HasPending(ctx context.Context) (bool, error) {
	return q.items.Exists(ctx, "status", string(StatusPending))
}

// PendingCount returns the number of pending items.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.items.Count(ctx, "status", string(StatusPending))
}

// Get returns a single item.
func (q *Queue) Get(ctx context.Context, id int64) (Item, bool, error) {
	return q.items.Get(ctx, id)
}

// MarkResult records the outcome of one replay attempt. A nil outcome is a
// success: the item is deleted, or kept as synced when an audit window is
// configured. A failure increments attempts and abandons the item once the
// retry budget is reached.
func (q *Queue) MarkResult(ctx context.Context, id int64, outcome error) (Resolution, error) {
	res := Missing
	found, err := q.items.Modify(ctx, id, func(it *Item) (bool, error) {
		it.UpdatedAt = q.config.Now().UnixMilli()
		if outcome == nil {
			res = Synced
			it.Status = StatusSynced
			it.LastError = ""
			return q.config.AuditRetention > 0, nil
		}
		it.Attempts++
		it.LastError = outcome.Error()
		if it.Attempts >= q.config.RetryBudget {
			res = Abandoned
			it.Status = StatusFailed
		} else {
			res = Retrying
		}
		return true, nil
	})
	if err != nil {
		return Missing, fmt.Errorf("failed to record result of item %d: %w", id, err)
	}
	if !found {
		return Missing, nil
	}
	if res == Abandoned {
		q.logger.Warn("sync item abandoned", "item_id", id, "attempts", q.config.RetryBudget, "error", outcome)
	}
	return res, nil
}

// RetryFailed moves every failed item back to pending with a fresh budget.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	failed, err := q.ListFailed(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range failed {
		_, err := q.items.Modify(ctx, item.ID, func(it *Item) (bool, error) {
			if it.Status != StatusFailed {
				return true, nil
			}
			it.Status = StatusPending
			it.Attempts = 0
			it.UpdatedAt = q.config.Now().UnixMilli()
			n++
			return true, nil
		})
		if err != nil {
			return n, fmt.Errorf("failed to reset item %d: %w", item.ID, err)
		}
	}
	if n > 0 {
		q.logger.Info("failed sync items re-queued", "count", n)
	}
	return n, nil
}

// Prune deletes synced and failed items last updated before the audit window.
// It does nothing when no window is configured.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	if q.config.AuditRetention <= 0 {
		return 0, nil
	}
	cutoff := q.config.Now().Add(-q.config.AuditRetention).UnixMilli()
	n := 0
	for _, status := range []Status{StatusSynced, StatusFailed} {
		items, err := q.byStatus(ctx, status)
		if err != nil {
			return n, err
		}
		for _, it := range items {
			if it.UpdatedAt >= cutoff {
				continue
			}
			if err := q.items.Delete(ctx, it.ID); err != nil {
				return n, fmt.Errorf("failed to prune item %d: %w", it.ID, err)
			}
			n++
		}
	}
	if n > 0 {
		q.logger.Info("pruned resolved sync items", "count", n)
	}
	return n, nil
}

// Stats counts items by status.
type Stats struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for status, dst := range map[Status]*int{
		StatusPending: &st.Pending,
		StatusSynced:  &st.Synced,
		StatusFailed:  &st.Failed,
	} {
		n, err := q.items.Count(ctx, "status", string(status))
		if err != nil {
			return Stats{}, err
		}
		*dst = n
	}
	return st, nil
}
