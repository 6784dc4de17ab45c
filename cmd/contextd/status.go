package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"contextd/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print store, awareness, and pending-action counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		active, archived, groups, err := rt.store.Stats()
		if err != nil {
			return err
		}
		summary := rt.obs.Summary()

		pending := 0
		all, err := rt.plane.Pending()
		if err != nil {
			return err
		}
		for _, pa := range all {
			if pa.Status == types.StatusPending {
				pending++
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Store:      %s\n", rt.cfg.StorePath)
		fmt.Fprintf(out, "  entries:  %d active, %d archived, %d bubbles\n", active, archived, groups)
		fmt.Fprintf(out, "Awareness:  %s\n", rt.cfg.AwarenessPath)
		fmt.Fprintf(out, "  activity: %d reads, %d writes, %d misses\n",
			summary.TotalReads, summary.TotalWrites, summary.TotalMisses)
		if summary.LastActivity != "" {
			fmt.Fprintf(out, "  last:     %s\n", summary.LastActivity)
		}
		fmt.Fprintf(out, "Pending:    %d action(s) awaiting approval\n", pending)

		if rt.cfg.LM.Enabled {
			state := "unreachable"
			if rt.analyzer.Available(cmd.Context()) {
				state = "available"
			}
			fmt.Fprintf(out, "LM:         %s (%s, %s)\n", state, rt.cfg.LM.BaseURL, rt.cfg.LM.Model)
		} else {
			fmt.Fprintln(out, "LM:         disabled (deterministic analysis only)")
		}
		return nil
	},
}
