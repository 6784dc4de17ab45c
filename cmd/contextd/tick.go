package main

import (
	"github.com/spf13/cobra"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one improvement tick and exit",
	Long: `Runs a single improvement pass: scan the store and awareness data for
candidate actions, auto-execute what policy allows, and queue the rest for
approval. Useful from cron when the serve daemon is not running.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()
		return rt.improver.Tick(cmd.Context())
	},
}
