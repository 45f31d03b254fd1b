package countersigncmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuihairu/countersign/internal/auth/rbac"
	dom "github.com/cuihairu/countersign/internal/ports"
)

// createRequest is the file format accepted by `approvals create`.
type createRequest struct {
	RequestID      string             `json:"request_id"`
	OperatorID     string             `json:"operator_id"`
	WorkspaceID    string             `json:"workspace_id"`
	MunicipalityID string             `json:"municipality_id"`
	ActionIntent   string             `json:"action_intent"`
	ActionMode     string             `json:"action_mode"`
	PlanHash       string             `json:"plan_hash"`
	PlanSteps      []dom.PlanStep     `json:"plan_steps"`
	AuditRecord    dom.AuditRecord    `json:"audit_record"`
	DecisionResult dom.DecisionResult `json:"decision_result"`
	ExpiresAt      time.Time          `json:"expires_at"`
	TemplateID     string             `json:"template_id"`
}

func (r createRequest) input() dom.ApprovalCreateInput {
	return dom.ApprovalCreateInput{
		RequestID:      r.RequestID,
		OperatorID:     r.OperatorID,
		WorkspaceID:    r.WorkspaceID,
		MunicipalityID: r.MunicipalityID,
		ActionIntent:   r.ActionIntent,
		ActionMode:     r.ActionMode,
		PlanHash:       r.PlanHash,
		PlanSteps:      r.PlanSteps,
		AuditRecord:    r.AuditRecord,
		DecisionResult: r.DecisionResult,
		ExpiresAt:      r.ExpiresAt,
		TemplateID:     r.TemplateID,
	}
}

func newApprovalsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "approvals", Aliases: []string{"approval"}, Short: "Inspect and decide approvals"}
	cmd.AddCommand(newApprovalsCreateCmd(g), newApprovalsListCmd(g), newApprovalsShowCmd(g), newApprovalsDecideCmd(g))
	return cmd
}

func newApprovalsCreateCmd(g *globals) *cobra.Command {
	var file, template string
	cmd := &cobra.Command{
		Use:   "create --file request.yaml",
		Short: "Open an approval for a decided intent and instantiate its chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req createRequest
			if err := decodeFile(file, &req); err != nil {
				return err
			}
			if template != "" {
				req.TemplateID = template
			}
			ac := g.caller()
			if req.OperatorID == "" {
				req.OperatorID = ac.UserID
			}
			if req.WorkspaceID == "" {
				req.WorkspaceID = ac.WorkspaceID
			}
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				ap, created, err := a.approvals.CreateOrGet(ctx, req.input())
				if err != nil {
					return err
				}
				if !created {
					a.log.Info("approval already exists", "approval_id", ap.ID, "request_id", ap.RequestID)
				}
				// a retried request finishes a chain an earlier attempt failed to create
				if created || ap.Status == dom.ApprovalPending {
					_, made, err := a.engine.EnsureChain(ctx, ap.ID, req.TemplateID)
					if err != nil {
						return fmt.Errorf("approval %s has no chain: %w", ap.ID, err)
					}
					if made && !created {
						a.log.Warn("created missing chain", "approval_id", ap.ID)
					}
				}
				return g.printApproval(cmd.OutOrStdout(), ap)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request document (yaml or json, - for stdin)")
	cmd.Flags().StringVar(&template, "template", "", "chain template id; policy decides when empty")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newApprovalsListCmd(g *globals) *cobra.Command {
	var (
		status, operator, intent, sort string
		page, size                     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals visible to the caller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := dom.ApprovalStatus(strings.ToLower(status))
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q: %w", status, dom.ErrValidation)
			}
			ac := g.caller()
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				f := dom.ApprovalFilter{Status: st, OperatorID: operator, ActionIntent: intent, WorkspaceID: g.workspace}
				if !a.authz.Can(ac, rbac.ObjApprovals, rbac.ActReadAny) {
					if err := rbac.Require(a.authz.Can(ac, rbac.ObjApprovals, rbac.ActRead), ac, "list approvals"); err != nil {
						return err
					}
					f.OperatorID = ac.UserID
				}
				items, total, err := a.approvals.Query(ctx, f, dom.Page{Page: page, Size: size, Sort: sort})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.json() {
					views := make([]approvalView, 0, len(items))
					for _, it := range items {
						views = append(views, viewOf(it))
					}
					return writeJSON(out, map[string]any{"items": views, "total": total})
				}
				rows := make([][]string, 0, len(items))
				for _, it := range items {
					rows = append(rows, approvalRow(it))
				}
				if err := table(out, approvalHeader, rows); err != nil {
					return err
				}
				fmt.Fprintf(out, "%d of %d\n", len(items), total)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&status, "status", "", "filter by status")
	fl.StringVar(&operator, "operator", "", "filter by operator id")
	fl.StringVar(&intent, "intent", "", "filter by action intent")
	fl.StringVar(&sort, "sort", "created_at_desc", "created_at_desc|created_at_asc")
	fl.IntVar(&page, "page", 1, "page number")
	fl.IntVar(&size, "size", 50, "page size")
	return cmd
}

func newApprovalsShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <approval-id>",
		Short: "Show one approval and its chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac := g.caller()
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				ap, err := a.approvals.FindByID(ctx, args[0])
				if err != nil {
					return err
				}
				if err := rbac.Require(a.authz.CanRead(ac, ap), ac, "read approval "+ap.ID); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if err := g.printApproval(out, ap); err != nil {
					return err
				}
				if g.json() {
					return nil
				}
				prog, err := a.engine.GetChainProgress(ctx, ap.ID)
				if errors.Is(err, dom.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\nchain %s: %s\n", orDash(prog.TemplateName), prog.Status)
				return printSteps(out, prog.Steps)
			})
		},
	}
}

func newApprovalsDecideCmd(g *globals) *cobra.Command {
	var (
		approve, reject bool
		note            string
	)
	cmd := &cobra.Command{
		Use:   "decide <approval-id> --approve|--reject",
		Short: "Approve or reject a pending approval directly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := decision(approve, reject)
			if err != nil {
				return err
			}
			ac := g.caller()
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := rbac.Require(a.authz.CanDecide(ac), ac, "decide approval"); err != nil {
					return err
				}
				ap, err := a.approvals.Decide(ctx, args[0], ac.UserID, dom.ApprovalStatus(status), note)
				if err != nil {
					return err
				}
				return g.printApproval(cmd.OutOrStdout(), ap)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject")
	return cmd
}

// decision turns the --approve/--reject pair into a status name shared by
// approvals and chain steps.
func decision(approve, reject bool) (string, error) {
	switch {
	case approve && !reject:
		return "approved", nil
	case reject && !approve:
		return "rejected", nil
	}
	return "", fmt.Errorf("exactly one of --approve or --reject is required: %w", dom.ErrValidation)
}
