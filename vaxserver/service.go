// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrDuplicateAction is returned by a sink for an idempotency key it has
// already applied for the device.
var ErrDuplicateAction = errors.New("duplicate action")

// ActionSink stores applied actions and the records they carry.
type ActionSink interface {
	// Apply records the action and materializes its record atomically, or
	// returns ErrDuplicateAction without side effects.
	Apply(ctx context.Context, a Action) error
	Record(ctx context.Context, kind, id string) (doc []byte, found bool, err error)
	ActionCount(ctx context.Context) (int, error)
}

// ServiceConfig holds configuration for the action service
type ServiceConfig struct {
	MaxPayloadBytes int // 0 = unlimited
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{MaxPayloadBytes: 64 * 1024}
}

// ActionService validates and applies replayed actions.
type ActionService struct {
	sink   ActionSink
	config *ServiceConfig
	logger *slog.Logger
}

func NewActionService(sink ActionSink, config *ServiceConfig, logger *slog.Logger) *ActionService {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionService{sink: sink, config: config, logger: logger}
}

func (s *ActionService) Sink() ActionSink { return s.sink }

// Apply validates the action and applies it once. A repeated idempotency key
// yields ErrDuplicateAction and the returned action still carries its kind.
func (s *ActionService) Apply(ctx context.Context, a Action) (Action, error) {
	if err := s.validateAction(&a); err != nil {
		return a, err
	}
	if err := s.sink.Apply(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicateAction) {
			s.logger.Debug("duplicate action ignored", "action", a.Name, "device_id", a.DeviceID, "idempotency_key", a.IdempotencyKey)
			return a, err
		}
		return a, fmt.Errorf("failed to apply %s: %w", a.Name, err)
	}
	s.logger.Info("action applied", "action", a.Name, "kind", a.Kind, "id", a.RecordID, "device_id", a.DeviceID)
	return a, nil
}
