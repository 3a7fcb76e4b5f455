package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stead.org/internal/config"
	"stead.org/internal/store/pg"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type globals struct {
	dsn     string
	envFile string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:           "steadctl",
		Short:         "Administration CLI for the stead CRM access service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotenv(g.envFile); err != nil {
				return err
			}
			// flag > env
			if !cmd.Flags().Changed("dsn") {
				g.dsn = os.Getenv("STEAD_PG_DSN")
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.dsn, "dsn", "", "PostgreSQL DSN (env: STEAD_PG_DSN)")
	rootCmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file read before flags are resolved")
	rootCmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "overall timeout for database work")

	rootCmd.AddCommand(newMigrateCmd(g))
	rootCmd.AddCommand(newProvisionCmd(g))
	rootCmd.AddCommand(newTokenCmd())

	return rootCmd
}

// openStore connects to PostgreSQL and verifies the connection.
func (g *globals) openStore(ctx context.Context) (*pg.Store, error) {
	if g.dsn == "" {
		return nil, errors.New("missing DSN: provide via --dsn or STEAD_PG_DSN")
	}
	store, err := pg.Open(g.dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return store, nil
}

func (g *globals) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}
