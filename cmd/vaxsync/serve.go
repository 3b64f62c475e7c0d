// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/vaxserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference vaccination API server",
	Long: `Serve the action endpoints that sync agents replay against. Actions are
applied at most once per device and idempotency key.

Actions are stored in PostgreSQL when server.database_url is set, otherwise
in memory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var sink vaxserver.ActionSink
		if cfg.Server.DatabaseURL != "" {
			pool, err := pgxpool.New(ctx, cfg.Server.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to create pgx pool: %w", err)
			}
			defer pool.Close()
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("failed to reach database: %w", err)
			}
			pgSink, err := vaxserver.NewPGSink(ctx, pool, nil, logger)
			if err != nil {
				return err
			}
			sink = pgSink
		} else {
			logger.Warn("server.database_url not set, actions are kept in memory")
			sink = vaxserver.NewMemorySink()
		}

		srv := vaxserver.New(sink, cfg.ServerConfig(), logger)
		httpServer := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("vaxserver listening", "addr", httpServer.Addr, "auth", srv.JWTAuth != nil)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info("server exited")
		return nil
	},
}
