// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/vaxstore"
)

var dueWithinDays int

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Report on the local record store",
}

var storeFootprintCmd = &cobra.Command{
	Use:   "footprint",
	Short: "Show record counts and sizes per collection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		fps, err := store.Footprint(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(fps)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COLLECTION\tRECORDS\tBYTES")
		for _, fp := range fps {
			fmt.Fprintf(w, "%s\t%d\t%d\n", fp.Collection, fp.Records, fp.Bytes)
		}
		return w.Flush()
	},
}

var storeDueCmd = &cobra.Command{
	Use:   "due",
	Short: "List pending vaccinations due within --days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVaccinations(cmd, func(r *vaxstore.Records) ([]vaxstore.Vaccination, error) {
			return r.DueVaccinations(cmd.Context(), dueWithinDays)
		})
	},
}

var storeDefaultersCmd = &cobra.Command{
	Use:   "defaulters",
	Short: "List pending vaccinations past their due date",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVaccinations(cmd, func(r *vaxstore.Records) ([]vaxstore.Vaccination, error) {
			return r.Defaulters(cmd.Context())
		})
	},
}

func init() {
	storeDueCmd.Flags().IntVar(&dueWithinDays, "days", 7, "look-ahead window in days")

	storeCmd.AddCommand(storeFootprintCmd)
	storeCmd.AddCommand(storeDueCmd)
	storeCmd.AddCommand(storeDefaultersCmd)
}

func printVaccinations(cmd *cobra.Command, query func(*vaxstore.Records) ([]vaxstore.Vaccination, error)) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	vs, err := query(vaxstore.NewRecords(store, nil))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(vs)
	}
	if len(vs) == 0 {
		fmt.Println("none")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHILD\tVACCINE\tDOSE\tDUE")
	for _, v := range vs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", v.ID, v.ChildID, v.VaccineID, v.Dose, v.DueDate)
	}
	return w.Flush()
}
