// Package replay drains the sync queue against the remote API.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/syncqueue"
)

// Replayer performs the remote call for one queued item. A nil error means the
// remote side accepted the mutation.
type Replayer interface {
	Replay(ctx context.Context, item syncqueue.Item) error
}

type ReplayerFunc func(ctx context.Context, item syncqueue.Item) error

func (f ReplayerFunc) Replay(ctx context.Context, item syncqueue.Item) error {
	return f(ctx, item)
}

// Queue is the part of the sync queue a drain pass needs.
type Queue interface {
	ListPending(ctx context.Context) ([]syncqueue.Item, error)
	MarkResult(ctx context.Context, id int64, outcome error) (syncqueue.Resolution, error)
	PendingCount(ctx context.Context) (int, error)
}

// Result summarises one drain pass.
type Result struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`    // abandoned in this pass
	Remaining  int `json:"remaining"` // still pending after the pass
}

// Config holds configuration for the sync manager
type Config struct {
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
	PassTimeout     time.Duration // upper bound of one pass; 10m when zero
}

// Manager runs drain passes. It owns no persisted state.
type Manager struct {
	queue    Queue
	replayer Replayer
	config   *Config
	logger   *slog.Logger

	mu       sync.Mutex
	inflight *pass
}

// pass is one drain shared by every caller that arrives while it runs.
type pass struct {
	done    chan struct{}
	res     Result
	err     error
	waiters []context.Context
	cancel  context.CancelFunc
}

// abandonedLocked reports whether every caller waiting on p has given up.
func (p *pass) abandonedLocked() bool {
	for _, w := range p.waiters {
		if w.Err() == nil {
			return false
		}
	}
	return true
}

// NewManager creates a sync manager.
func NewManager(queue Queue, replayer Replayer, config *Config, logger *slog.Logger) *Manager {
	if config == nil {
		config = &Config{}
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		queue:    queue,
		replayer: replayer,
		config:   config,
		logger:   logger,
	}
}

// Drain replays a snapshot of the pending items in insertion order and then
// records every outcome. A failing item never stops the pass. Concurrent
// callers are coalesced onto the pass already in flight and receive its
// result. Only store failures are returned as errors.
//
// The caller should only drain while the remote API is believed reachable.
func (m *Manager) Drain(ctx context.Context) (Result, error) {
	m.mu.Lock()
	p := m.inflight
	if p == nil {
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.PassTimeout)
		p = &pass{done: make(chan struct{}), cancel: cancel}
		m.inflight = p
		go m.runPass(passCtx, p)
	} else {
		m.logger.Debug("joined in-flight sync pass")
	}
	p.waiters = append(p.waiters, ctx)
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		if m.abandoned(p) {
			p.cancel()
		}
	})
	defer stop()

	select {
	case <-p.done:
	case <-ctx.Done():
		if !m.abandoned(p) {
			return Result{}, ctx.Err()
		}
		// The last caller out waits until the outcomes already obtained are recorded.
		<-p.done
	}
	if p.err != nil {
		return Result{}, p.err
	}
	return p.res, nil
}

func (m *Manager) abandoned(p *pass) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return p.abandonedLocked()
}

func (m *Manager) runPass(ctx context.Context, p *pass) {
	defer p.cancel()
	p.res, p.err = m.drain(ctx, func() bool { return m.abandoned(p) })

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(p.done)
}

// waiting returns how many callers share the pass in flight.
func (m *Manager) waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight == nil {
		return 0
	}
	return len(m.inflight.waiters)
}

type attempt struct {
	item    syncqueue.Item
	outcome error
}

func (m *Manager) drain(ctx context.Context, abandoned func() bool) (Result, error) {
	total := m.stageStart()

	start := m.stageStart()
	items, err := m.queue.ListPending(ctx)
	m.observeStage(ctx, StageTiming{Operation: MetricsOpDrain, Stage: MetricsStageSnapshot, Count: len(items), Error: err != nil}, start)
	if err != nil {
		return Result{}, fmt.Errorf("failed to snapshot sync queue: %w", err)
	}

	start = m.stageStart()
	attempts := make([]attempt, 0, len(items))
	for _, item := range items {
		if ctx.Err() != nil || abandoned() {
			// Items not attempted keep their budget.
			m.logger.Info("sync pass interrupted", "attempted", len(attempts), "skipped", len(items)-len(attempts))
			break
		}
		attempts = append(attempts, attempt{item: item, outcome: m.replay(ctx, item)})
	}
	m.observeStage(ctx, StageTiming{Operation: MetricsOpDrain, Stage: MetricsStageReplay, Count: len(attempts)}, start)

	// Outcomes of calls already made are recorded even if ctx was cancelled.
	applyCtx := context.WithoutCancel(ctx)
	start = m.stageStart()
	var res Result
	for _, a := range attempts {
		resolution, err := m.queue.MarkResult(applyCtx, a.item.ID, a.outcome)
		if err != nil {
			m.observeStage(ctx, StageTiming{Operation: MetricsOpDrain, Stage: MetricsStageApply, Count: len(attempts), Error: true}, start)
			return res, fmt.Errorf("failed to apply sync outcome: %w", err)
		}
		switch resolution {
		case syncqueue.Synced:
			res.Successful++
		case syncqueue.Abandoned:
			res.Failed++
		}
	}
	m.observeStage(ctx, StageTiming{Operation: MetricsOpDrain, Stage: MetricsStageApply, Count: len(attempts)}, start)

	remaining, err := m.queue.PendingCount(applyCtx)
	if err != nil {
		return res, fmt.Errorf("failed to count pending items: %w", err)
	}
	res.Remaining = remaining

	m.observeStage(ctx, StageTiming{Operation: MetricsOpDrain, Stage: MetricsStageTotal, Count: len(items)}, total)
	if len(items) > 0 {
		m.logger.Info("sync pass completed",
			"attempted", len(attempts),
			"successful", res.Successful,
			"failed", res.Failed,
			"remaining", res.Remaining,
		)
	}
	return res, nil
}

func (m *Manager) replay(ctx context.Context, item syncqueue.Item) error {
	start := m.stageStart()
	err := m.replayer.Replay(ctx, item)
	m.observeStage(ctx, StageTiming{
		Operation: MetricsOpReplay,
		Stage:     MetricsStageReplay,
		Action:    item.Action,
		Count:     1,
		Attempt:   item.Attempts + 1,
		Error:     err != nil,
	}, start)
	if err != nil {
		m.logger.Warn("replay failed",
			"item_id", item.ID,
			"action", item.Action,
			"attempt", item.Attempts+1,
			"error", err,
		)
	}
	return err
}
