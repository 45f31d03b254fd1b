package ports

import (
	"context"
	"encoding/json"
	"time"
)

// ApprovalStatus is the lifecycle state of an Approval.
//
// Forward-only graph:
//
//	pending -> approved | rejected | expired
//	approved -> dispatching
//	dispatching -> dispatched | dispatch_failed
type ApprovalStatus string

const (
	ApprovalPending        ApprovalStatus = "pending"
	ApprovalApproved       ApprovalStatus = "approved"
	ApprovalRejected       ApprovalStatus = "rejected"
	ApprovalExpired        ApprovalStatus = "expired"
	ApprovalDispatching    ApprovalStatus = "dispatching"
	ApprovalDispatched     ApprovalStatus = "dispatched"
	ApprovalDispatchFailed ApprovalStatus = "dispatch_failed"
)

// Terminal reports whether no further transition is possible from s.
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case ApprovalRejected, ApprovalExpired, ApprovalDispatched, ApprovalDispatchFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalExpired,
		ApprovalDispatching, ApprovalDispatched, ApprovalDispatchFailed:
		return true
	}
	return false
}

// PlanStep is one unit of external work executed after full approval.
// Plan is the connector-specific payload; only the connector's Dispatcher interprets it.
type PlanStep struct {
	StepID           string          `json:"step_id"`
	Description      string          `json:"description,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	Connector        string          `json:"connector"`
	Status           string          `json:"status,omitempty"`
	Plan             json.RawMessage `json:"plan,omitempty"`
}

// Per-step outcome values used in StepResult.Status.
const (
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepValidated = "validated"
)

// StepResult records what happened to one plan step during a dispatch.
type StepResult struct {
	StepID    string          `json:"step_id"`
	Connector string          `json:"connector,omitempty"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// DispatchResult is produced once per dispatch attempt and stored on the Approval.
type DispatchResult struct {
	Success        bool         `json:"success"`
	DryRun         bool         `json:"dry_run,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	CompletedAt    time.Time    `json:"completed_at"`
	PerStepResults []StepResult `json:"per_step_results"`
	Summary        string       `json:"summary"`
}

// DecisionResult is the decision engine's verdict that preceded the approval request.
type DecisionResult struct {
	Verdict       string    `json:"verdict"`
	PolicyID      string    `json:"policy_id,omitempty"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	Reasons       []string  `json:"reasons,omitempty"`
	EvaluatedAt   time.Time `json:"evaluated_at,omitempty"`
}

// AuditRecord carries the caller's audit context for the governed action.
type AuditRecord struct {
	Source     string            `json:"source,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	TraceID    string            `json:"trace_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Approval is one governed action awaiting or having received sign-off.
type Approval struct {
	ID             string
	RequestID      string
	OperatorID     string
	WorkspaceID    string
	MunicipalityID string
	ActionIntent   string
	ActionMode     string
	PlanHash       string
	PlanSteps      []PlanStep
	AuditRecord    AuditRecord
	DecisionResult DecisionResult
	ApproverID     string
	ApprovalNote   string
	DispatchResult *DispatchResult
	Status         ApprovalStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// ApprovalCreateInput is what the caller supplies right after the decision engine approved an intent.
type ApprovalCreateInput struct {
	RequestID      string
	OperatorID     string
	WorkspaceID    string
	MunicipalityID string
	ActionIntent   string
	ActionMode     string
	PlanHash       string
	PlanSteps      []PlanStep
	AuditRecord    AuditRecord
	DecisionResult DecisionResult
	ExpiresAt      time.Time
	// TemplateID selects an explicit chain template; empty lets policy decide.
	TemplateID string
}

// ApprovalFilter narrows Query results. Empty fields match everything.
type ApprovalFilter struct {
	Status       ApprovalStatus
	OperatorID   string
	WorkspaceID  string
	ActionIntent string
	CreatedAfter time.Time
	// ExpiresBefore selects records whose ExpiresAt is before the given instant.
	ExpiresBefore time.Time
}

// Page selects a window of results.
type Page struct {
	Page int
	Size int
	Sort string // created_at_desc|created_at_asc
}

// Normalize fills defaults.
func (p Page) Normalize() Page {
	if p.Size <= 0 {
		p.Size = 50
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	return p
}

// ApprovalRepository persists approvals. All status transitions are conditional writes:
// a method returning (nil, nil) lost its compare-and-swap.
type ApprovalRepository interface {
	Create(ctx context.Context, a *Approval) error
	Get(ctx context.Context, id string) (*Approval, error)
	GetByRequestID(ctx context.Context, requestID string) (*Approval, error)
	Decide(ctx context.Context, id, approverID string, status ApprovalStatus, note string) (*Approval, error)
	// HoldPending touches a pending approval so concurrent writers of the same
	// record queue behind the current unit of work. (nil, nil) when not pending.
	HoldPending(ctx context.Context, id string) (*Approval, error)
	ConsumeForDispatch(ctx context.Context, id string) (*Approval, error)
	MarkDispatched(ctx context.Context, id string, result *DispatchResult) (*Approval, error)
	MarkDispatchFailed(ctx context.Context, id string, result *DispatchResult) (*Approval, error)
	Expire(ctx context.Context, id string) (*Approval, error)
	Query(ctx context.Context, f ApprovalFilter, p Page) ([]*Approval, int, error)
	CountPending(ctx context.Context) (int64, error)
}
