package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pilotlynx/pilotlynx/internal/config"
	"github.com/pilotlynx/pilotlynx/internal/executor"
	"github.com/pilotlynx/pilotlynx/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	root := resolveRoot()

	fmt.Println("pilotlynx doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Printf("  Root:     %s\n", root)
	fmt.Println()

	cfg, err := config.Load(root)
	if err != nil {
		fmt.Printf("  Config:   FAILED (%v)\n", err)
		return
	}
	fmt.Println("  Config:   OK")

	env, err := config.LoadEnv(root)
	if err != nil {
		fmt.Printf("  Env:      FAILED (%v)\n", err)
		return
	}
	fmt.Println("  Env:      OK")

	if cfg.Platforms.Slack.Enabled {
		if config.SlackTokensPresent(env, cfg.Platforms.Slack.Mode) {
			fmt.Printf("  Slack:    enabled, tokens present (%s mode)\n", cfg.Platforms.Slack.Mode)
		} else {
			fmt.Println("  Slack:    enabled, TOKENS MISSING")
		}
	} else {
		fmt.Println("  Slack:    disabled")
	}
	if cfg.Platforms.Telegram.Enabled {
		if config.TelegramTokenPresent(env) {
			fmt.Println("  Telegram: enabled, token present")
		} else {
			fmt.Println("  Telegram: enabled, TOKEN MISSING")
		}
	} else {
		fmt.Println("  Telegram: disabled")
	}

	if executor.KernelSandboxAvailable() {
		fmt.Println("  Sandbox:  bwrap available")
	} else if cfg.Agent.RequireKernelSandbox {
		fmt.Println("  Sandbox:  bwrap MISSING (required by config)")
	} else {
		fmt.Println("  Sandbox:  bwrap missing, command guard only")
	}

	st, err := store.Open(config.StorePath(root))
	if err != nil {
		fmt.Printf("  Store:    FAILED (%v)\n", err)
		os.Exit(1)
	}
	defer st.Close()
	if size, err := st.DBSizeBytes(); err == nil {
		fmt.Printf("  Store:    OK (%d bytes)\n", size)
	} else {
		fmt.Println("  Store:    OK")
	}
}
