// contextd is a local context runtime for AI agents: it persists structured
// context entries, observes how agents use them, and runs a policy-gated
// self-improvement loop over the store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "contextd",
	Short:   "Self-aware context runtime for AI agents",
	Version: version,
	Long: `contextd persists context entries for AI agents, serves them over MCP
and REST, and continuously improves the store: tagging, archiving, merging,
and gap detection, with risky changes held for approval.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.contextd/config.yaml)")
	rootCmd.AddCommand(serveCmd, mcpCmd, tickCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
