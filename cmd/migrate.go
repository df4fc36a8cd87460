package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pilotlynx/pilotlynx/internal/config"
	"github.com/pilotlynx/pilotlynx/internal/store"
)

// migrateCmd applies the embedded schema migrations without starting the
// service. Opening the store runs any pending migrations.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			path := config.StorePath(resolveRoot())
			st, err := store.Open(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "migrate failed: %v\n", err)
				os.Exit(1)
			}
			defer st.Close()
			fmt.Printf("database up to date: %s\n", path)
		},
	}
}
