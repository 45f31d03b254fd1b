package countersigncmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	dom "github.com/cuihairu/countersign/internal/ports"
)

func (g *globals) json() bool { return strings.EqualFold(g.output, "json") }

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes tab separated rows aligned in columns.
func table(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// approvalView is the printable shape of an approval.
type approvalView struct {
	ID             string              `json:"id"`
	RequestID      string              `json:"request_id"`
	Status         dom.ApprovalStatus  `json:"status"`
	OperatorID     string              `json:"operator_id"`
	WorkspaceID    string              `json:"workspace_id,omitempty"`
	MunicipalityID string              `json:"municipality_id,omitempty"`
	ActionIntent   string              `json:"action_intent"`
	ActionMode     string              `json:"action_mode,omitempty"`
	PlanHash       string              `json:"plan_hash"`
	PlanSteps      []dom.PlanStep      `json:"plan_steps"`
	AuditRecord    dom.AuditRecord     `json:"audit_record"`
	DecisionResult dom.DecisionResult  `json:"decision_result"`
	ApproverID     string              `json:"approver_id,omitempty"`
	ApprovalNote   string              `json:"approval_note,omitempty"`
	DispatchResult *dom.DispatchResult `json:"dispatch_result,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
}

func viewOf(a *dom.Approval) approvalView {
	return approvalView{
		ID: a.ID, RequestID: a.RequestID, Status: a.Status, OperatorID: a.OperatorID,
		WorkspaceID: a.WorkspaceID, MunicipalityID: a.MunicipalityID,
		ActionIntent: a.ActionIntent, ActionMode: a.ActionMode,
		PlanHash: a.PlanHash, PlanSteps: a.PlanSteps,
		AuditRecord: a.AuditRecord, DecisionResult: a.DecisionResult,
		ApproverID: a.ApproverID, ApprovalNote: a.ApprovalNote, DispatchResult: a.DispatchResult,
		CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt, ExpiresAt: a.ExpiresAt,
	}
}

func approvalRow(a *dom.Approval) []string {
	return []string{a.ID, string(a.Status), a.ActionIntent, a.OperatorID, orDash(a.WorkspaceID), ts(a.CreatedAt), ts(a.ExpiresAt)}
}

var approvalHeader = []string{"ID", "STATUS", "INTENT", "OPERATOR", "WORKSPACE", "CREATED", "EXPIRES"}

func (g *globals) printApproval(w io.Writer, a *dom.Approval) error {
	if g.json() {
		return writeJSON(w, viewOf(a))
	}
	if err := table(w, approvalHeader, [][]string{approvalRow(a)}); err != nil {
		return err
	}
	if a.ApproverID != "" {
		fmt.Fprintf(w, "decided by %s: %s\n", a.ApproverID, orDash(a.ApprovalNote))
	}
	if a.DispatchResult != nil {
		return printResult(w, a.DispatchResult)
	}
	return nil
}

func printResult(w io.Writer, r *dom.DispatchResult) error {
	rows := make([][]string, 0, len(r.PerStepResults))
	for _, s := range r.PerStepResults {
		rows = append(rows, []string{s.StepID, s.Connector, s.Status, fmt.Sprint(s.Attempts), orDash(s.Error)})
	}
	fmt.Fprintf(w, "\n%s\n", r.Summary)
	if len(rows) == 0 {
		return nil
	}
	return table(w, []string{"STEP", "CONNECTOR", "STATUS", "ATTEMPTS", "ERROR"}, rows)
}

func printSteps(w io.Writer, steps []*dom.ChainStep) error {
	rows := make([][]string, 0, len(steps))
	for _, s := range steps {
		decided := "-"
		if s.DecidedAt != nil {
			decided = ts(*s.DecidedAt)
		}
		rows = append(rows, []string{s.ID, fmt.Sprint(s.Order), s.Label, s.RequiredRole, string(s.Status), orDash(s.DeciderID), decided})
	}
	return table(w, []string{"STEP", "ORDER", "LABEL", "ROLE", "STATUS", "DECIDER", "DECIDED"}, rows)
}

// decodeFile reads a YAML or JSON document into v. YAML is converted to
// JSON first so json tags and json.RawMessage fields apply to both formats.
func decodeFile(path string, v any) error {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, dom.ErrValidation)
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, dom.ErrValidation)
	}
	if err := json.Unmarshal(js, v); err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, dom.ErrValidation)
	}
	return nil
}
