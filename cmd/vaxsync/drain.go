// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay every pending action once",
	Long: `Run a single sync pass: every pending queue item is attempted once against
the remote API. Failed items stay pending until the retry budget is spent.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.manager.Drain(cmd.Context())
		if err != nil {
			return fmt.Errorf("drain failed: %w", err)
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("synced: %d  failed: %d  remaining: %d\n", res.Successful, res.Failed, res.Remaining)
		return nil
	},
}
