// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/connectivity"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/statusfeed"
)

var agentFeed bool

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the sync agent until interrupted",
	Long: `Probe the remote API for connectivity and replay queued actions whenever
the device is online. Pending items are retried with exponential backoff.

With --feed (or feed.enabled) sync status and notifications are streamed to
dashboards over WebSocket at ws://<feed.addr>/ws.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		prober := connectivity.NewProber(cfg.ProberConfig(), logger)
		notifiers := connectivity.MultiNotifier{connectivity.LogNotifier{Logger: logger}}

		var feed *statusfeed.Server
		if agentFeed || cfg.Feed.Enabled {
			feed = statusfeed.NewServer(cfg.FeedConfig(), logger)
			if err := feed.Start(); err != nil {
				return err
			}
			defer feed.Stop()
			notifiers = append(notifiers, feed)
		}

		orch := connectivity.New(c.queue, c.manager, prober, notifiers, cfg.OrchestratorConfig(), logger)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			prober.Run(ctx)
		}()

		if err := orch.Start(ctx); err != nil {
			return fmt.Errorf("failed to start orchestrator: %w", err)
		}
		if feed != nil {
			updates, unsubscribe := orch.Subscribe()
			defer unsubscribe()
			wg.Add(1)
			go func() {
				defer wg.Done()
				feed.Follow(ctx, updates)
			}()
		}

		logger.Info("vaxsync agent running", "device", c.deviceID, "remote", cfg.Remote.BaseURL)
		<-ctx.Done()

		logger.Info("shutting down agent")
		orch.Stop()
		wg.Wait()
		return nil
	},
}

func init() {
	agentCmd.Flags().BoolVar(&agentFeed, "feed", false, "serve the WebSocket status feed")
}
