package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pilotlynx/pilotlynx/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/pilotlynx/pilotlynx/cmd.Version=v1.0.0"
var Version = "dev"

var (
	rootDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "pilotlynx",
	Short: "PilotLynx chat-to-agent relay",
	Long:  "PilotLynx connects Slack and Telegram channels to per-project sandboxed agent runs, with durable history, crash recovery, and webhook notifications.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	Run: func(cmd *cobra.Command, args []string) {
		runRelay()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "config root (default: $PILOTLYNX_ROOT or ~/.pilotlynx)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("pilotlynx %s\n", Version)
		},
	}
}

func resolveRoot() string {
	if rootDir != "" {
		return rootDir
	}
	return config.ResolveRoot()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
