package countersigncmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuihairu/countersign/internal/auth/rbac"
	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/cuihairu/countersign/internal/service/chains"
)

func newChainCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "chain", Short: "Inspect and decide approval chains"}
	cmd.AddCommand(newChainShowCmd(g), newChainDecideCmd(g))
	return cmd
}

func newChainShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <approval-id>",
		Short: "Show chain progress for an approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac := g.caller()
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				ap, err := a.approvals.FindByID(ctx, args[0])
				if err != nil {
					return err
				}
				if err := rbac.Require(a.authz.CanRead(ac, ap), ac, "read chain of "+ap.ID); err != nil {
					return err
				}
				prog, err := a.engine.GetChainProgress(ctx, ap.ID)
				if err != nil {
					return err
				}
				return printProgress(g, cmd, prog)
			})
		},
	}
}

func printProgress(g *globals, cmd *cobra.Command, prog *chains.ChainProgress) error {
	out := cmd.OutOrStdout()
	if g.json() {
		return writeJSON(out, prog)
	}
	fmt.Fprintf(out, "template %s (%s): %s, %d/%d approved", orDash(prog.TemplateName), prog.TemplateID, prog.Status, prog.Approved, prog.Total)
	if prog.CurrentStage != "" {
		fmt.Fprintf(out, ", waiting on %s", prog.CurrentStage)
	}
	fmt.Fprintln(out)
	return printSteps(out, prog.Steps)
}

func newChainDecideCmd(g *globals) *cobra.Command {
	var (
		approve, reject bool
		note            string
	)
	cmd := &cobra.Command{
		Use:   "decide <step-id> --approve|--reject",
		Short: "Decide the caller's active chain step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := decision(approve, reject)
			if err != nil {
				return err
			}
			ac := g.caller()
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.engine.GetStep(ctx, args[0])
				if err != nil {
					return err
				}
				if err := rbac.Require(a.authz.CanDecideStep(ac, st), ac, "decide step "+st.Label); err != nil {
					return err
				}
				res, err := a.engine.DecideStep(ctx, chains.DecideStepInput{
					StepID:    st.ID,
					DeciderID: ac.UserID,
					Status:    dom.StepStatus(status),
					Note:      note,
				})
				if err != nil {
					return err
				}
				if res == nil {
					return fmt.Errorf("step %s is not active: %w", st.ID, dom.ErrConflict)
				}
				out := cmd.OutOrStdout()
				switch {
				case res.Rejected:
					fmt.Fprintln(out, "chain rejected")
				case res.AllApproved:
					fmt.Fprintln(out, "chain fully approved")
				case res.Advanced:
					fmt.Fprintln(out, "chain advanced to the next stage")
				default:
					fmt.Fprintln(out, "step recorded; waiting on parallel reviewers")
				}
				prog, err := a.engine.GetChainProgress(ctx, st.ApprovalID)
				if err != nil {
					return err
				}
				return printProgress(g, cmd, prog)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject")
	return cmd
}
