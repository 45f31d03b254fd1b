// Package chains drives approval chains: instantiating a template's steps
// for an approval, recording reviewer decisions and moving the parent
// approval once the chain resolves.
package chains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/cuihairu/countersign/internal/service/approvals"
	"github.com/cuihairu/countersign/internal/validation"
	"github.com/google/uuid"
)

var now = func() time.Time { return time.Now().UTC() }

// DecideStepInput is one reviewer's decision on one step.
type DecideStepInput struct {
	StepID    string
	DeciderID string
	Status    dom.StepStatus
	Note      string
}

// StepOutcome reports what a step decision did to the chain.
//
//   - Rejected: the chain and its approval were rejected.
//   - AllApproved: the last group completed and the approval was approved.
//   - Advanced: the step's group completed and the next group is active.
//
// All false means sibling steps of the same group are still undecided.
type StepOutcome struct {
	Step        *dom.ChainStep
	Approval    *dom.Approval
	Advanced    bool
	AllApproved bool
	Rejected    bool
}

// Chain status values reported by ChainSummary.
const (
	ChainInProgress = "in_progress"
	ChainApproved   = "approved"
	ChainRejected   = "rejected"
)

type ChainSummary struct {
	ApprovalID   string `json:"approval_id"`
	TemplateID   string `json:"template_id"`
	TemplateName string `json:"template_name,omitempty"`
	Status       string `json:"status"`
	Total        int    `json:"total"`
	Approved     int    `json:"approved"`
	Rejected     int    `json:"rejected"`
	Active       int    `json:"active"`
	Pending      int    `json:"pending"`
	// CurrentOrder is the active group's order, -1 once the chain resolved.
	CurrentOrder int    `json:"current_order"`
	CurrentStage string `json:"current_stage,omitempty"`
}

type ChainProgress struct {
	ChainSummary
	Steps []*dom.ChainStep `json:"steps"`
}

type Engine struct {
	steps     dom.ChainRepository
	templates *Templates
	approvals *approvals.Service
	policy    dom.PolicyProvider
	log       *slog.Logger
}

// NewEngine wires the engine. policy may be nil, in which case chains fall
// back to the default template unless an explicit template is requested.
// Decisions run in svc's unit of work.
func NewEngine(steps dom.ChainRepository, templates *Templates, svc *approvals.Service, policy dom.PolicyProvider, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{steps: steps, templates: templates, approvals: svc, policy: policy, log: log}
}

func (e *Engine) tx() dom.Transactor { return e.approvals.Transactor() }

func (e *Engine) Templates() *Templates { return e.templates }

// CreateChainForApproval instantiates a chain for a pending approval. The
// template is templateID when given, else the policy's choice, else the
// default template. Steps of the lowest order start active.
func (e *Engine) CreateChainForApproval(ctx context.Context, approvalID, templateID string) ([]*dom.ChainStep, error) {
	a, err := e.approvals.FindByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != dom.ApprovalPending {
		return nil, fmt.Errorf("chain for approval %s: status is %s: %w", approvalID, a.Status, dom.ErrConflict)
	}
	tpl, err := e.resolveTemplate(ctx, a, templateID)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateTemplate(tpl); err != nil {
		return nil, err
	}
	steps := instantiate(a.ID, tpl)

	err = e.tx().InTx(ctx, func(ctx context.Context) error {
		if _, err := e.approvals.HoldPending(ctx, a.ID); err != nil {
			return err
		}
		return e.steps.CreateSteps(ctx, steps)
	})
	if err != nil {
		if errors.Is(err, dom.ErrConflict) {
			return nil, fmt.Errorf("chain for approval %s: %w", a.ID, err)
		}
		return nil, fmt.Errorf("create chain for approval %s: %w", a.ID, err)
	}
	e.log.Info("chain created", "approval_id", a.ID, "template_id", tpl.ID, "steps", len(steps))
	e.approvals.Audit(ctx, dom.AuditChainCreated, a.OperatorID, a.ID, map[string]string{"template_id": tpl.ID})
	return steps, nil
}

// EnsureChain returns the approval's chain, creating it when missing. It
// completes a creation that failed after the approval itself was stored.
func (e *Engine) EnsureChain(ctx context.Context, approvalID, templateID string) ([]*dom.ChainStep, bool, error) {
	steps, err := e.steps.ListSteps(ctx, approvalID)
	if err != nil {
		return nil, false, err
	}
	if len(steps) > 0 {
		return steps, false, nil
	}
	steps, err = e.CreateChainForApproval(ctx, approvalID, templateID)
	if err == nil {
		return steps, true, nil
	}
	if !errors.Is(err, dom.ErrDuplicate) {
		return nil, false, err
	}
	steps, lerr := e.steps.ListSteps(ctx, approvalID)
	if lerr != nil {
		return nil, false, lerr
	}
	return steps, false, nil
}

func instantiate(approvalID string, tpl *dom.ChainTemplate) []*dom.ChainStep {
	ordered := append([]dom.TemplateStep(nil), tpl.Steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	first := ordered[0].Order

	ts := now()
	steps := make([]*dom.ChainStep, 0, len(ordered))
	for _, t := range ordered {
		st := dom.StepPending
		if t.Order == first {
			st = dom.StepActive
		}
		steps = append(steps, &dom.ChainStep{
			ID:           uuid.NewString(),
			ApprovalID:   approvalID,
			TemplateID:   tpl.ID,
			Order:        t.Order,
			RequiredRole: t.RequiredRole,
			Label:        t.Label,
			Status:       st,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		})
	}
	return steps
}

func (e *Engine) resolveTemplate(ctx context.Context, a *dom.Approval, templateID string) (*dom.ChainTemplate, error) {
	if strings.TrimSpace(templateID) != "" {
		return e.templates.Get(ctx, templateID)
	}
	if e.policy != nil {
		tpl, err := e.policy.GetChainTemplate(ctx, dom.TemplateQuery{
			ActionIntent:   a.ActionIntent,
			ActionMode:     a.ActionMode,
			MunicipalityID: a.MunicipalityID,
			WorkspaceID:    a.WorkspaceID,
		})
		if err != nil {
			return nil, fmt.Errorf("select chain template: %w", err)
		}
		if tpl != nil {
			return tpl, nil
		}
	}
	return dom.DefaultTemplate(), nil
}

// GetActiveStep returns one active step of the chain, or nil when none is.
func (e *Engine) GetActiveStep(ctx context.Context, approvalID string) (*dom.ChainStep, error) {
	steps, err := e.steps.ListSteps(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.Status == dom.StepActive {
			return s, nil
		}
	}
	return nil, nil
}

func (e *Engine) GetStep(ctx context.Context, stepID string) (*dom.ChainStep, error) {
	return e.steps.GetStep(ctx, stepID)
}

// DecideStep records a decision on an active step and recomputes the chain
// from the persisted step states, all in one unit of work. The outcome is nil
// when the step was not active (already decided or not reached yet) and the
// chain needed no repair. A chain holding a rejected step is always finished
// as rejected, including one left half-rejected by an earlier failure.
func (e *Engine) DecideStep(ctx context.Context, in DecideStepInput) (*StepOutcome, error) {
	if in.Status != dom.StepApproved && in.Status != dom.StepRejected {
		return nil, fmt.Errorf("step decision %q: %w", in.Status, dom.ErrValidation)
	}
	if strings.TrimSpace(in.DeciderID) == "" {
		return nil, fmt.Errorf("step decision: decider is required: %w", dom.ErrValidation)
	}
	cur, err := e.steps.GetStep(ctx, in.StepID)
	if err != nil {
		return nil, err
	}

	var (
		st  *dom.ChainStep
		out *StepOutcome
	)
	err = e.tx().InTx(ctx, func(ctx context.Context) error {
		if _, err := e.approvals.HoldPending(ctx, cur.ApprovalID); err != nil {
			return fmt.Errorf("step %s: %w", in.StepID, err)
		}
		var err error
		st, err = e.steps.DecideStep(ctx, in.StepID, in.Status, in.DeciderID, in.Note, now())
		if err != nil {
			return err
		}
		out, err = e.resolve(ctx, cur.ApprovalID, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	log := e.log.With("approval_id", cur.ApprovalID, "step_id", cur.ID, "decider", in.DeciderID)
	if st != nil {
		e.approvals.Audit(ctx, dom.AuditChainStepDecided, in.DeciderID, st.ApprovalID, map[string]string{
			"step_id": st.ID, "label": st.Label, "status": string(st.Status),
		})
		out.Step = st
	} else if out.changed() {
		log.Warn("repaired chain left unfinished")
		out.Step = cur
	} else {
		return nil, nil
	}
	if out.Approval != nil {
		e.approvals.Decided(ctx, out.Approval, in.DeciderID, in.Note)
	}
	switch {
	case out.Rejected:
		log.Info("chain rejected")
	case out.AllApproved:
		log.Info("chain fully approved")
	case out.Advanced:
		log.Info("chain advanced")
	}
	return out, nil
}

func (o *StepOutcome) changed() bool { return o.Rejected || o.AllApproved || o.Advanced }

// resolve applies what the persisted step states imply: rejection of the
// whole chain, activation of the next group, or approval of the parent.
func (e *Engine) resolve(ctx context.Context, approvalID string, in DecideStepInput) (*StepOutcome, error) {
	steps, err := e.steps.ListSteps(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	out := &StepOutcome{}
	if hasRejected(steps) {
		if _, err := e.steps.RejectAll(ctx, approvalID); err != nil {
			return nil, fmt.Errorf("reject chain %s: %w", approvalID, err)
		}
		a, err := e.approvals.SettleChain(ctx, approvalID, in.DeciderID, dom.ApprovalRejected, in.Note)
		if err != nil {
			return nil, err
		}
		out.Approval, out.Rejected = a, true
		return out, nil
	}
	next, undecided := nextGroup(steps)
	switch {
	case next < 0:
		a, err := e.approvals.SettleChain(ctx, approvalID, in.DeciderID, dom.ApprovalApproved, in.Note)
		if err != nil {
			return nil, err
		}
		out.Approval, out.AllApproved = a, true
	case undecided:
	default:
		if _, err := e.steps.ActivateOrder(ctx, approvalID, next); err != nil {
			return nil, fmt.Errorf("activate order %d of chain %s: %w", next, approvalID, err)
		}
		out.Advanced = true
	}
	return out, nil
}

func hasRejected(steps []*dom.ChainStep) bool {
	for _, s := range steps {
		if s.Status == dom.StepRejected {
			return true
		}
	}
	return false
}

// nextGroup returns the lowest order holding a step that is not approved
// (-1 when every step is approved) and whether that group already has an
// active step awaiting a decision. Callers handle rejected chains first.
func nextGroup(steps []*dom.ChainStep) (order int, undecided bool) {
	order = -1
	for _, s := range steps {
		if s.Status == dom.StepApproved {
			continue
		}
		if order < 0 || s.Order < order {
			order, undecided = s.Order, false
		}
		if s.Order == order && s.Status == dom.StepActive {
			undecided = true
		}
	}
	return order, undecided
}

// GetChainSummary aggregates the chain's step states.
func (e *Engine) GetChainSummary(ctx context.Context, approvalID string) (*ChainSummary, error) {
	p, err := e.GetChainProgress(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	return &p.ChainSummary, nil
}

// GetChainProgress is GetChainSummary plus every step in order.
func (e *Engine) GetChainProgress(ctx context.Context, approvalID string) (*ChainProgress, error) {
	steps, err := e.steps.ListSteps(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("chain for approval %s: %w", approvalID, dom.ErrNotFound)
	}
	sum := ChainSummary{ApprovalID: approvalID, TemplateID: steps[0].TemplateID, Total: len(steps), CurrentOrder: -1}
	if tpl, err := e.templates.Get(ctx, sum.TemplateID); err == nil {
		sum.TemplateName = tpl.Name
	}
	var stage []string
	for _, s := range steps {
		switch s.Status {
		case dom.StepApproved:
			sum.Approved++
		case dom.StepRejected:
			sum.Rejected++
		case dom.StepActive:
			sum.Active++
			sum.CurrentOrder = s.Order
			stage = append(stage, s.Label)
		default:
			sum.Pending++
		}
	}
	switch {
	case sum.Rejected > 0:
		sum.Status = ChainRejected
		sum.CurrentOrder = -1
		stage = nil
	case sum.Approved == sum.Total:
		sum.Status = ChainApproved
	default:
		sum.Status = ChainInProgress
	}
	sum.CurrentStage = strings.Join(stage, " / ")
	return &ChainProgress{ChainSummary: sum, Steps: steps}, nil
}
