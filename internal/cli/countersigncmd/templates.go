package countersigncmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuihairu/countersign/internal/auth/rbac"
	dom "github.com/cuihairu/countersign/internal/ports"
)

func newTemplatesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "templates", Aliases: []string{"template"}, Short: "Manage chain templates"}
	cmd.AddCommand(newTemplatesListCmd(g), newTemplatesCreateCmd(g), newTemplatesDeleteCmd(g), newTemplatesCloneCmd(g))
	return cmd
}

func printTemplates(g *globals, cmd *cobra.Command, ts []*dom.ChainTemplate) error {
	out := cmd.OutOrStdout()
	if g.json() {
		return writeJSON(out, ts)
	}
	rows := make([][]string, 0, len(ts))
	for _, t := range ts {
		roles := make([]string, 0, len(t.Steps))
		for _, s := range t.Steps {
			roles = append(roles, fmt.Sprintf("%d:%s", s.Order, s.RequiredRole))
		}
		def := ""
		if t.IsDefault {
			def = "yes"
		}
		rows = append(rows, []string{t.ID, t.Name, orDash(t.WorkspaceID), strings.Join(roles, " "), orDash(def)})
	}
	return table(out, []string{"ID", "NAME", "WORKSPACE", "STEPS", "DEFAULT"}, rows)
}

func newTemplatesListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates of the caller's workspace plus the default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				ts, err := a.templates.List(ctx, g.workspace)
				if err != nil {
					return err
				}
				return printTemplates(g, cmd, ts)
			})
		},
	}
}

func newTemplatesCreateCmd(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create --file template.yaml",
		Short: "Create a chain template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var t dom.ChainTemplate
			if err := yaml.Unmarshal(b, &t); err != nil {
				return fmt.Errorf("%s: %v: %w", file, err, dom.ErrValidation)
			}
			ac := g.caller()
			if t.WorkspaceID == "" {
				t.WorkspaceID = ac.WorkspaceID
			}
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := rbac.Require(a.authz.CanManageTemplates(ac, t.WorkspaceID), ac, "manage templates"); err != nil {
					return err
				}
				if err := a.templates.Create(ctx, ac.UserID, &t); err != nil {
					return err
				}
				return printTemplates(g, cmd, []*dom.ChainTemplate{&t})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template document (yaml or json)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTemplatesDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <template-id>",
		Short: "Delete a template no active chain uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac := g.caller()
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				t, err := a.templates.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if err := rbac.Require(a.authz.CanManageTemplates(ac, t.WorkspaceID), ac, "manage templates"); err != nil {
					return err
				}
				if err := a.templates.Delete(ctx, ac.UserID, t.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "template %s deleted\n", t.ID)
				return nil
			})
		},
	}
}

func newTemplatesCloneCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "clone",
		Short: "Copy the default and shared templates into --workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ac := g.caller()
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := rbac.Require(a.authz.CanManageTemplates(ac, ac.WorkspaceID), ac, "manage templates"); err != nil {
					return err
				}
				ts, err := a.templates.CloneForWorkspace(ctx, ac.UserID, ac.WorkspaceID)
				if err != nil {
					return err
				}
				return printTemplates(g, cmd, ts)
			})
		},
	}
}
