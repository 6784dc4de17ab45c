package main

import (
	"os"

	"github.com/spf13/cobra"

	"contextd/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the Model Context Protocol on stdin/stdout",
	Long: `Runs the MCP server for AI agent clients. Requests are read from stdin
and responses written to stdout, one JSON-RPC message per line; all logging
goes to stderr. Wire this command into your agent's MCP server config.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		server := mcp.NewServer(mcp.Deps{
			Store:    rt.store,
			Catalog:  rt.schema.Catalog,
			Observer: rt.obs,
			Analyzer: rt.analyzer,
			Model:    rt.model,
			Plane:    rt.plane,
			Logger:   rt.logger.Named("mcp"),
		})
		return server.Serve(cmd.Context(), os.Stdin, os.Stdout)
	},
}
