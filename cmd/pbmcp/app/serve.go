package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pbmcp/pbmcp/pkg/api"
	"github.com/pbmcp/pbmcp/pkg/config"
)

var (
	configPath string
	host       string
	port       int
	authMode   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pbmcp gateway",
	Long:  `Starts the gateway HTTP server and supervises configured MCP backends until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Ensure the gateway is shut down gracefully on Ctrl+C.
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = port
		}
		if cmd.Flags().Changed("auth-mode") {
			cfg.AuthMode = authMode
		}

		return api.Serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", config.Path(), "Path to the gateway config file")
	serveCmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind the gateway to")
	serveCmd.Flags().IntVar(&port, "port", 8155, "Port to bind the gateway to")
	serveCmd.Flags().StringVar(&authMode, "auth-mode", "dual", "Admission mode: local-trusted, external-secure, or dual")
}
