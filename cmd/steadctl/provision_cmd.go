package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"stead.org/internal/provision"
	"stead.org/internal/rbac"
)

func newProvisionCmd(g *globals) *cobra.Command {
	var (
		orgID  string
		file   string
		admin  string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the roles of a new organization from a YAML template",
		Long: "Create the roles and grants of a new organization. Without --file the\n" +
			"built-in template is used. --dry-run validates and prints the template.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tmpl, err := loadTemplate(file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				printTemplate(out, tmpl)
				return nil
			}
			if strings.TrimSpace(orgID) == "" {
				return fmt.Errorf("--org is required")
			}

			ctx, cancel := g.context(cmd)
			defer cancel()
			store, err := g.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			roles, err := provision.Apply(ctx, store, orgID, tmpl)
			if err != nil {
				return err
			}
			for _, r := range roles {
				fmt.Fprintf(out, "created role %s (%s)\n", r.Name, r.ID)
			}
			if admin == "" {
				return nil
			}
			for _, r := range roles {
				if r.Omnipotent() {
					if err := store.AssignRole(ctx, orgID, admin, r.ID); err != nil {
						return fmt.Errorf("assign %s: %w", admin, err)
					}
					fmt.Fprintf(out, "assigned %s to %s\n", r.Name, admin)
					return nil
				}
			}
			return fmt.Errorf("template has no administrator role to assign to %s", admin)
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML role template (default: built-in)")
	cmd.Flags().StringVar(&admin, "admin", "", "user id to assign the administrator role")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and print the template only")
	return cmd
}

func loadTemplate(path string) (provision.Template, error) {
	if path == "" {
		return provision.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return provision.Template{}, fmt.Errorf("read template: %w", err)
	}
	return provision.Parse(data)
}

func printTemplate(w io.Writer, t provision.Template) {
	for _, r := range t.Roles {
		var flags []string
		if r.System {
			flags = append(flags, "system")
		}
		if r.Default {
			flags = append(flags, "default")
		}
		if len(flags) > 0 {
			fmt.Fprintf(w, "%s [%s]\n", r.Name, strings.Join(flags, ","))
		} else {
			fmt.Fprintln(w, r.Name)
		}
		for _, p := range r.Permissions {
			vis := p.Visibility
			if vis == "" {
				vis = string(rbac.VisibilityAll)
			}
			fmt.Fprintf(w, "  %-14s %-28s %s\n", p.Module, strings.Join(p.Actions, ","), vis)
		}
	}
}
