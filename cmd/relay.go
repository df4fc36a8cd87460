package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pilotlynx/pilotlynx/internal/service"
)

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the relay service",
		Run: func(cmd *cobra.Command, args []string) {
			runRelay()
		},
	}
}

func runRelay() {
	if err := service.Run(resolveRoot()); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}
