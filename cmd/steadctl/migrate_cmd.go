package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stead.org/internal/migrate"
	"stead.org/migrations"
)

func newMigrateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect schema migrations",
	}
	cmd.AddCommand(
		newMigrateUpCmd(g),
		newMigrateDownCmd(g),
		newMigrateStatusCmd(g),
		newMigrateSeedCmd(g),
	)
	return cmd
}

func withManager(g *globals, cmd *cobra.Command, fn func(*migrate.Manager) error) error {
	ctx, cancel := g.context(cmd)
	defer cancel()
	store, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	mgr := migrate.NewManager(store.DB(), migrations.FS, migrations.Dir, migrate.WithSeedsDir(migrations.SeedsDir))
	cmd.SetContext(ctx)
	return fn(mgr)
}

func newMigrateUpCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(g, cmd, func(mgr *migrate.Manager) error {
				applied, err := mgr.Up(cmd.Context())
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				}
				return nil
			})
		},
	}
}

func newMigrateDownCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(g, cmd, func(mgr *migrate.Manager) error {
				name, err := mgr.Down(cmd.Context())
				if errors.Is(err, migrate.ErrNothingToRollback) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
				return nil
			})
		},
	}
}

func newMigrateStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and when they were applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(g, cmd, func(mgr *migrate.Manager) error {
				items, err := mgr.Status(cmd.Context())
				if err != nil {
					return err
				}
				for _, m := range items {
					state := "pending"
					if m.Applied {
						state = m.AppliedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", m.Name, state)
				}
				return nil
			})
		},
	}
}

func newMigrateSeedCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load demo seed data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(g, cmd, func(mgr *migrate.Manager) error {
				seeded, err := mgr.Seed(cmd.Context())
				for _, name := range seeded {
					fmt.Fprintf(cmd.OutOrStdout(), "seeded %s\n", name)
				}
				return err
			})
		},
	}
}
