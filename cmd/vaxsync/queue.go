// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/replay"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/syncqueue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the sync queue",
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <action> <json>",
	Short: "Queue an action for replay",
	Example: `  vaxsync queue enqueue recordVaccination '{"childId":"c1","vaccineId":"bcg"}'
  vaxsync queue enqueue updateChild '{"id":"c1","name":"Amani"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, data := args[0], args[1]
		if _, ok := replay.DefaultRoutes()[action]; !ok {
			return fmt.Errorf("unknown action %q", action)
		}
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("payload is not valid JSON")
		}

		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.queue.Enqueue(cmd.Context(), action, json.RawMessage(data))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"id": id, "action": action})
		}
		fmt.Printf("queued %s as item %d\n", action, id)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending items in replay order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listItems(cmd, (*syncqueue.Queue).ListPending)
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List items that exhausted their retry budget",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listItems(cmd, (*syncqueue.Queue).ListFailed)
	},
}

var queueRetryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Return failed items to pending with a fresh retry budget",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.queue.RetryFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d failed item(s)\n", n)
		return nil
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete synced and failed items older than the audit retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.queue.Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d item(s)\n", n)
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show item counts per status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		st, err := c.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(struct {
				syncqueue.Stats
				RetryBudget int `json:"retryBudget"`
			}{st, c.queue.RetryBudget()})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pending: %d  synced: %d  failed: %d  retry budget: %d\n",
			st.Pending, st.Synced, st.Failed, c.queue.RetryBudget())
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueEnqueueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueRetryFailedCmd)
	queueCmd.AddCommand(queuePruneCmd)
	queueCmd.AddCommand(queueStatsCmd)
}

func listItems(cmd *cobra.Command, list func(*syncqueue.Queue, context.Context) ([]syncqueue.Item, error)) error {
	c, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	items, err := list(c.queue, cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("no items")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tQUEUED\tATTEMPTS\tLAST ERROR")
	for _, it := range items {
		queued := time.UnixMilli(it.Timestamp).Format(time.DateTime)
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", it.ID, it.Action, queued, it.Attempts, it.LastError)
	}
	return w.Flush()
}
