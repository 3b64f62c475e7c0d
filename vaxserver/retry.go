// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATEs worth a fresh transaction.
var transientTxStates = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
}

func transientTxState(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	name, ok := transientTxStates[pgErr.SQLState()]
	return name, ok
}

// inTx runs fn in a transaction, starting over on transient failures with a
// linearly growing pause. ErrDuplicateAction and other errors end the loop.
func (s *PGSink) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.config.MaxTxAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, fn)
		state, transient := transientTxState(err)
		if err == nil || !transient {
			return err
		}
		s.logger.Warn("retrying transaction", "op", op, "attempt", attempt, "sqlstate", state, "error", err)

		timer := time.NewTimer(time.Duration(attempt) * s.config.RetryBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s transaction failed after %d attempts: %w", op, s.config.MaxTxAttempts, err)
}
