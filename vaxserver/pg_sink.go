// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSinkConfig holds configuration for the Postgres sink
type PGSinkConfig struct {
	MaxTxAttempts int           // attempts for serialization failures and deadlocks
	RetryBackoff  time.Duration // grows linearly per attempt
}

func DefaultPGSinkConfig() *PGSinkConfig {
	return &PGSinkConfig{MaxTxAttempts: 5, RetryBackoff: 20 * time.Millisecond}
}

// PGSink stores the action log and materialized records in Postgres.
type PGSink struct {
	pool   *pgxpool.Pool
	config *PGSinkConfig
	logger *slog.Logger
}

// NewPGSink creates the vax schema if needed and returns a sink over pool.
func NewPGSink(ctx context.Context, pool *pgxpool.Pool, config *PGSinkConfig, logger *slog.Logger) (*PGSink, error) {
	if config == nil {
		config = DefaultPGSinkConfig()
	}
	if config.MaxTxAttempts < 1 {
		config.MaxTxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGSink{pool: pool, config: config, logger: logger}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error { return s.initializeSchemaInTx(ctx, tx) }); err != nil {
		return nil, fmt.Errorf("failed to initialize vax schema: %w", err)
	}
	logger.Debug("vax schema initialized")
	return s, nil
}

func (s *PGSink) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		`CREATE SCHEMA IF NOT EXISTS vax`,

		// Every applied action, unique per device and idempotency key.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS vax.action_log (
			device_id       TEXT        NOT NULL,
			idempotency_key TEXT        NOT NULL,
			action          TEXT        NOT NULL,
			user_id         TEXT        NOT NULL DEFAULT '',
			kind            TEXT        NOT NULL,
			record_id       TEXT        NOT NULL,
			payload         JSONB       NOT NULL,
			queued_at       TIMESTAMPTZ,
			received_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (device_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS action_log_received_idx ON vax.action_log(received_at)`,
		`CREATE INDEX IF NOT EXISTS action_log_record_idx ON vax.action_log(kind, record_id)`,

		// Current state of every record, merged from the actions that touched it.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS vax.records (
			kind       TEXT        NOT NULL,
			id         TEXT        NOT NULL,
			doc        JSONB       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (kind, id)
		)`,
	}
	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// Apply logs the action and upserts its record in one transaction, retrying
// serialization failures and deadlocks.
func (s *PGSink) Apply(ctx context.Context, a Action) error {
	return s.inTx(ctx, a.Name, func(tx pgx.Tx) error {
		return s.applyInTx(ctx, tx, a)
	})
}

func (s *PGSink) applyInTx(ctx context.Context, tx pgx.Tx, a Action) error {
	var queuedAt *time.Time
	if !a.QueuedAt.IsZero() {
		queuedAt = &a.QueuedAt
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO vax.action_log (device_id, idempotency_key, action, user_id, kind, record_id, payload, queued_at)
		VALUES (@device_id, @key, @action, @user_id, @kind, @record_id, @payload::jsonb, @queued_at)
		ON CONFLICT (device_id, idempotency_key) DO NOTHING`,
		pgx.NamedArgs{
			"device_id": a.DeviceID,
			"key":       a.IdempotencyKey,
			"action":    a.Name,
			"user_id":   a.UserID,
			"kind":      a.Kind,
			"record_id": a.RecordID,
			"payload":   string(a.Payload),
			"queued_at": queuedAt,
		})
	if err != nil {
		return fmt.Errorf("failed to insert action log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateAction
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO vax.records (kind, id, doc)
		VALUES (@kind, @id, jsonb_set(@doc::jsonb, '{id}', to_jsonb(@id::text)))
		ON CONFLICT (kind, id) DO UPDATE SET
			doc = vax.records.doc || EXCLUDED.doc,
			updated_at = now()`,
		pgx.NamedArgs{"kind": a.Kind, "id": a.RecordID, "doc": string(a.Payload)})
	if err != nil {
		return fmt.Errorf("failed to upsert %s record: %w", a.Kind, err)
	}
	return nil
}

func (s *PGSink) Record(ctx context.Context, kind, id string) ([]byte, bool, error) {
	var doc string
	err := s.pool.QueryRow(ctx, `SELECT doc::text FROM vax.records WHERE kind = $1 AND id = $2`, kind, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read record: %w", err)
	}
	return []byte(doc), true, nil
}

func (s *PGSink) ActionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM vax.action_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return n, nil
}
