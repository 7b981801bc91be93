// File: cmd/serve.go
package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/retrace-cli/internal/observability"
	"github.com/xkilldash9x/retrace-cli/internal/server"
)

// serveCmd runs the control-plane daemon: the HTTP surface that accepts
// run_task/stop requests and streams session progress.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control-plane daemon.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := server.New(cfg, logger, nil, nil)
		return srv.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
