// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"time"
)

const (
	MetricsOpDrain  = "drain"
	MetricsOpReplay = "replay"

	MetricsStageTotal    = "total"
	MetricsStageSnapshot = "snapshot"
	MetricsStageReplay   = "replay"
	MetricsStageApply    = "apply"
)

// StageTiming is one timed step of a drain pass. For MetricsOpReplay the
// Action field names the replayed action and Count is always 1.
type StageTiming struct {
	Operation string
	Stage     string
	Action    string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (m *Manager) stageTimingEnabled() bool {
	return m.config.StageMetrics != nil || m.config.LogStageTimings
}

func (m *Manager) stageStart() time.Time {
	if !m.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (m *Manager) observeStage(ctx context.Context, timing StageTiming, start time.Time) {
	if start.IsZero() {
		return
	}
	timing.Duration = time.Since(start)
	if m.config.StageMetrics != nil {
		m.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if m.config.LogStageTimings {
		m.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"action", timing.Action,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
