// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/internal/auth"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/internal/config"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/internal/logging"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/internal/session"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/replay"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/syncqueue"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/vaxstore"
)

var (
	configPath string
	storePath  string
	logLevel   string
	jsonOutput bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "vaxsync",
	Short: "Offline sync agent for the vaccination tracker",
	Long: `vaxsync keeps a local record store and a queue of actions taken while
offline, and replays them against the remote API when connectivity returns.

Configuration is read from defaults, an optional --config file and
VAXSYNC_* environment variables (e.g. VAXSYNC_REMOTE_BASE_URL).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if storePath != "" {
			cfg.Store.Path = storePath
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, logCloser, err = logging.New(&cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "local store path (overrides store.path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(serveCmd)
}

// client is the device side: store, queue and the replay pipeline.
type client struct {
	store    *vaxstore.Store
	records  *vaxstore.Records
	queue    *syncqueue.Queue
	deviceID string
	session  *session.Session
	manager  *replay.Manager
}

func openStore(ctx context.Context) (*vaxstore.Store, error) {
	store, err := vaxstore.Open(ctx, cfg.StoreConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store %s: %w", cfg.Store.Path, err)
	}
	return store, nil
}

func openClient(ctx context.Context) (*client, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	records := vaxstore.NewRecords(store, nil)
	deviceID, err := records.DeviceID(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}
	queue := syncqueue.New(store, cfg.QueueConfig(), logger)

	c := &client{store: store, records: records, queue: queue, deviceID: deviceID}
	var token func(context.Context) (string, error)
	if cfg.Auth.UserID != "" {
		var issuer session.Issuer = session.RemoteIssuer{BaseURL: cfg.Remote.BaseURL, Password: cfg.Auth.Password}
		if cfg.Auth.Secret != "" {
			issuer = session.LocalIssuer{Auth: auth.NewJWTAuth(cfg.Auth.Secret, logger), TTL: cfg.Auth.TokenTTL}
		}
		c.session = session.New(cfg.Auth.UserID, deviceID, issuer, logger)
		token = c.session.Token
	}
	replayer := replay.NewHTTPReplayer(cfg.HTTPConfig(), deviceID, token, logger)
	c.manager = replay.NewManager(queue, replayer, cfg.ManagerConfig(), logger)
	return c, nil
}

func (c *client) Close() error {
	return c.store.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
