package countersigncmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuihairu/countersign/internal/auth/rbac"
	dom "github.com/cuihairu/countersign/internal/ports"
)

func newDispatchCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "dispatch", Short: "Execute approved plans"}
	cmd.AddCommand(newDispatchDryRunCmd(g), newDispatchRunCmd(g))
	return cmd
}

func newDispatchDryRunCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "dry-run <approval-id>",
		Short: "Validate every plan step without executing or claiming",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac := g.caller()
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := rbac.Require(a.authz.CanDispatch(ac), ac, "dispatch"); err != nil {
					return err
				}
				res, err := a.worker.DryRun(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.json() {
					if err := writeJSON(out, res); err != nil {
						return err
					}
				} else if err := printResult(out, res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("%s: %w", res.Summary, dom.ErrValidation)
				}
				return nil
			})
		},
	}
}

func newDispatchRunCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run <approval-id>",
		Short: "Claim an approved approval and execute its plan now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac := g.caller()
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := rbac.Require(a.authz.CanDispatch(ac), ac, "dispatch"); err != nil {
					return err
				}
				a.approvals.Audit(ctx, dom.AuditDispatchRequested, ac.UserID, args[0], nil)
				final, err := a.worker.DispatchApproval(ctx, args[0])
				if final != nil {
					if perr := g.printApproval(cmd.OutOrStdout(), final); perr != nil && err == nil {
						err = perr
					}
				}
				if err != nil {
					return err
				}
				if final.Status == dom.ApprovalDispatchFailed {
					summary := ""
					if final.DispatchResult != nil {
						summary = final.DispatchResult.Summary
					}
					return fmt.Errorf("approval %s: %s: %w", final.ID, summary, errDispatchFailed)
				}
				return nil
			})
		},
	}
}
