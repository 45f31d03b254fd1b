package ports

import (
	"context"
	"time"
)

// DefaultTemplateID is the reserved, immutable fallback chain template.
const DefaultTemplateID = "default"

// TemplateStep is one reviewer slot of a chain template. Steps sharing Order form a parallel group.
type TemplateStep struct {
	Order        int    `json:"order" yaml:"order"`
	RequiredRole string `json:"required_role" yaml:"required_role"`
	Label        string `json:"label" yaml:"label"`
}

// ChainTemplate is a reusable, named plan of approval steps.
type ChainTemplate struct {
	ID          string         `json:"id" yaml:"id"`
	WorkspaceID string         `json:"workspace_id" yaml:"workspace_id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []TemplateStep `json:"steps" yaml:"steps"`
	IsDefault   bool           `json:"is_default" yaml:"is_default"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
}

// DefaultTemplate returns the built-in single admin sign-off template.
func DefaultTemplate() *ChainTemplate {
	return &ChainTemplate{
		ID:          DefaultTemplateID,
		Name:        "Default approval",
		Description: "Single administrator sign-off",
		Steps:       []TemplateStep{{Order: 0, RequiredRole: "admin", Label: "Administrator approval"}},
		IsDefault:   true,
	}
}

// StepStatus is the state of one chain step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepActive   StepStatus = "active"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
)

// Terminal reports whether the step was decided.
func (s StepStatus) Terminal() bool { return s == StepApproved || s == StepRejected }

// ChainStep is one instantiated template step bound to one approval.
type ChainStep struct {
	ID           string     `json:"id"`
	ApprovalID   string     `json:"approval_id"`
	TemplateID   string     `json:"template_id"`
	Order        int        `json:"order"`
	RequiredRole string     `json:"required_role"`
	Label        string     `json:"label"`
	Status       StepStatus `json:"status"`
	DeciderID    string     `json:"decider_id,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TemplateRepository persists chain templates.
type TemplateRepository interface {
	Create(ctx context.Context, t *ChainTemplate) error
	Update(ctx context.Context, t *ChainTemplate) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*ChainTemplate, error)
	List(ctx context.Context, workspaceID string) ([]*ChainTemplate, error)
}

// ChainRepository persists chain steps. SetStatus is a compare-and-swap on the step's current status.
type ChainRepository interface {
	CreateSteps(ctx context.Context, steps []*ChainStep) error
	GetStep(ctx context.Context, id string) (*ChainStep, error)
	ListSteps(ctx context.Context, approvalID string) ([]*ChainStep, error)
	// DecideStep transitions an active step to approved/rejected. (nil, nil) when the step was not active.
	DecideStep(ctx context.Context, id string, status StepStatus, deciderID, note string, at time.Time) (*ChainStep, error)
	// ActivateOrder moves pending steps of the given order to active and returns how many changed.
	ActivateOrder(ctx context.Context, approvalID string, order int) (int64, error)
	// RejectAll marks every not-yet-rejected step of the chain rejected.
	RejectAll(ctx context.Context, approvalID string) (int64, error)
	// CountActiveChainsByTemplate counts distinct approvals with a non-terminal step built from the template.
	CountActiveChainsByTemplate(ctx context.Context, templateID string) (int64, error)
}

// TemplateQuery is the policy lookup key for choosing a chain template.
type TemplateQuery struct {
	ActionIntent   string
	ActionMode     string
	MunicipalityID string
	WorkspaceID    string
}

// AuditEvent is one entry written to the audit trail.
type AuditEvent struct {
	Time       time.Time         `json:"time"`
	Kind       string            `json:"kind"`
	Actor      string            `json:"actor"`
	ApprovalID string            `json:"approval_id"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Audit event kinds.
const (
	AuditApprovalCreated    = "approval.created"
	AuditApprovalDecided    = "approval.decided"
	AuditApprovalExpired    = "approval.expired"
	AuditChainCreated       = "chain.created"
	AuditChainStepDecided   = "chain.step_decided"
	AuditDispatchRequested  = "dispatch.requested"
	AuditDispatchClaimed    = "dispatch.claimed"
	AuditDispatchSucceeded  = "dispatch.succeeded"
	AuditDispatchFailed     = "dispatch.failed"
	AuditTemplateChanged    = "template.changed"
	AuditTemplateDeleted    = "template.deleted"
	AuditWorkspaceTemplates = "template.cloned"
)

// PolicyProvider chooses chain templates and receives audit events.
// GetChainTemplate returns (nil, nil) when no rule matches.
type PolicyProvider interface {
	GetChainTemplate(ctx context.Context, q TemplateQuery) (*ChainTemplate, error)
	WriteAuditEvent(ctx context.Context, ev AuditEvent) error
}
