// Package app provides the entry point for the pbmcp command-line application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/pbmcp/pbmcp/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "pbmcp",
	DisableAutoGenTag: true,
	Short:             "pbmcp is a multi-tenant gateway for MCP servers",
	Long: `pbmcp is a multi-tenant gateway for MCP (Model Context Protocol) servers.
It materializes server templates into supervised instances, routes tool calls
across healthy backends, and fronts everything with an authenticated HTTP API
plus a verification-code handshake for local browser clients.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the pbmcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
