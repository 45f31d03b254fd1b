// Package approvals is the approval lifecycle service: idempotent creation,
// decisions, the dispatch claim and its terminal write-back.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/cuihairu/countersign/internal/telemetry"
	"github.com/google/uuid"
)

// DefaultTTL applies when neither the input nor the service sets an expiry.
const DefaultTTL = 72 * time.Hour

type Service struct {
	repo    dom.ApprovalRepository
	chains  dom.ChainRepository
	tx      dom.Transactor
	audit   dom.PolicyProvider
	metrics *telemetry.ApprovalMetrics
	log     *slog.Logger
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Service)

// WithAudit routes lifecycle audit events through p.
func WithAudit(p dom.PolicyProvider) Option { return func(s *Service) { s.audit = p } }

func WithMetrics(m *telemetry.ApprovalMetrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithChains makes Decide refuse approvals that carry an approval chain.
func WithChains(c dom.ChainRepository) Option { return func(s *Service) { s.chains = c } }

// WithTransactor sets the unit of work decisions run in. The default runs
// writes directly.
func WithTransactor(tx dom.Transactor) Option {
	return func(s *Service) {
		if tx != nil {
			s.tx = tx
		}
	}
}

// WithTTL sets the default lifetime of a pending approval.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo dom.ApprovalRepository, opts ...Option) *Service {
	s := &Service{repo: repo, tx: dom.NoTx, log: slog.Default(), ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Repo exposes the underlying store for components that share it.
func (s *Service) Repo() dom.ApprovalRepository { return s.repo }

// Transactor is the unit of work shared with the chain engine.
func (s *Service) Transactor() dom.Transactor { return s.tx }

// Create records a pending approval for in. The plan hash is computed from
// in.PlanSteps; a caller-supplied hash that disagrees is a validation error.
// A RequestID seen before yields an error matching dom.ErrDuplicate.
func (s *Service) Create(ctx context.Context, in dom.ApprovalCreateInput) (*dom.Approval, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	hash, err := dom.HashPlan(in.PlanSteps)
	if err != nil {
		return nil, fmt.Errorf("plan: %v: %w", err, dom.ErrValidation)
	}
	if in.PlanHash != "" && !strings.EqualFold(in.PlanHash, hash) {
		return nil, fmt.Errorf("plan hash %s does not match plan steps: %w", in.PlanHash, dom.ErrValidation)
	}
	now := s.now().UTC()
	expires := in.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(s.ttl)
	}
	if !expires.After(now) {
		return nil, fmt.Errorf("expires_at %s is in the past: %w", expires.Format(time.RFC3339), dom.ErrValidation)
	}
	a := &dom.Approval{
		ID:             uuid.NewString(),
		RequestID:      in.RequestID,
		OperatorID:     in.OperatorID,
		WorkspaceID:    in.WorkspaceID,
		MunicipalityID: in.MunicipalityID,
		ActionIntent:   in.ActionIntent,
		ActionMode:     in.ActionMode,
		PlanHash:       hash,
		PlanSteps:      in.PlanSteps,
		AuditRecord:    in.AuditRecord,
		DecisionResult: in.DecisionResult,
		Status:         dom.ApprovalPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      expires.UTC(),
	}
	if err := s.repo.Create(ctx, a); err != nil {
		if errors.Is(err, dom.ErrDuplicate) {
			return nil, fmt.Errorf("request %s: %w", in.RequestID, dom.ErrDuplicate)
		}
		return nil, fmt.Errorf("create approval: %w", err)
	}
	s.metrics.RecordCreated(ctx, a.ActionIntent)
	s.log.Info("approval created", "approval_id", a.ID, "request_id", a.RequestID, "intent", a.ActionIntent, "steps", len(a.PlanSteps))
	s.emit(ctx, dom.AuditApprovalCreated, a.OperatorID, a.ID, map[string]string{
		"request_id": a.RequestID, "intent": a.ActionIntent, "plan_hash": a.PlanHash,
	})
	return a, nil
}

// CreateOrGet is Create that returns the existing approval for a repeated
// RequestID. The bool reports whether a new record was written.
func (s *Service) CreateOrGet(ctx context.Context, in dom.ApprovalCreateInput) (*dom.Approval, bool, error) {
	a, err := s.Create(ctx, in)
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, dom.ErrDuplicate) {
		return nil, false, err
	}
	existing, gerr := s.repo.GetByRequestID(ctx, in.RequestID)
	if gerr != nil {
		return nil, false, gerr
	}
	return existing, false, nil
}

func validateInput(in dom.ApprovalCreateInput) error {
	var missing []string
	if strings.TrimSpace(in.RequestID) == "" {
		missing = append(missing, "request_id")
	}
	if strings.TrimSpace(in.OperatorID) == "" {
		missing = append(missing, "operator_id")
	}
	if strings.TrimSpace(in.ActionIntent) == "" {
		missing = append(missing, "action_intent")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s: %w", strings.Join(missing, ", "), dom.ErrValidation)
	}
	seen := make(map[string]struct{}, len(in.PlanSteps))
	for i, st := range in.PlanSteps {
		if st.StepID == "" || st.Connector == "" {
			return fmt.Errorf("plan step %d: step_id and connector are required: %w", i, dom.ErrValidation)
		}
		if _, dup := seen[st.StepID]; dup {
			return fmt.Errorf("plan step %s repeated: %w", st.StepID, dom.ErrValidation)
		}
		seen[st.StepID] = struct{}{}
	}
	return nil
}

// Decide approves or rejects a pending approval that has no approval chain.
// A chained approval, or one that is no longer pending (decided elsewhere,
// expired), yields dom.ErrConflict.
func (s *Service) Decide(ctx context.Context, id, approverID string, status dom.ApprovalStatus, note string) (*dom.Approval, error) {
	if status != dom.ApprovalApproved && status != dom.ApprovalRejected {
		return nil, fmt.Errorf("decide status %q: %w", status, dom.ErrValidation)
	}
	var a *dom.Approval
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if s.chains != nil {
			if _, err := s.HoldPending(ctx, id); err != nil {
				return err
			}
			steps, err := s.chains.ListSteps(ctx, id)
			if err != nil {
				return err
			}
			if len(steps) > 0 {
				return fmt.Errorf("decide approval %s: decided through its approval chain: %w", id, dom.ErrConflict)
			}
		}
		var err error
		a, err = s.SettleChain(ctx, id, approverID, status, note)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Decided(ctx, a, approverID, note)
	return a, nil
}

// SettleChain writes the decision of a pending approval without looking at
// its chain. The chain engine calls it with the chain's outcome; callers
// report the change through Decided once their unit of work committed.
func (s *Service) SettleChain(ctx context.Context, id, deciderID string, status dom.ApprovalStatus, note string) (*dom.Approval, error) {
	a, err := s.repo.Decide(ctx, id, deciderID, status, note)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, s.conflict(ctx, id, "decide")
	}
	return a, nil
}

// Decided records metrics, logs and audit for a committed decision.
func (s *Service) Decided(ctx context.Context, a *dom.Approval, deciderID, note string) {
	s.metrics.RecordDecision(ctx, a.Status == dom.ApprovalApproved, a.CreatedAt)
	s.log.Info("approval decided", "approval_id", a.ID, "status", a.Status, "approver", deciderID)
	s.emit(ctx, dom.AuditApprovalDecided, deciderID, a.ID, map[string]string{"status": string(a.Status), "note": note})
}

// HoldPending locks a pending approval for the current unit of work and
// returns it. Any other status yields dom.ErrConflict.
func (s *Service) HoldPending(ctx context.Context, id string) (*dom.Approval, error) {
	a, err := s.repo.HoldPending(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, s.conflict(ctx, id, "hold")
	}
	return a, nil
}

// ConsumeForDispatch claims an approved record for dispatch. Exactly one
// concurrent caller wins; the rest get dom.ErrConflict.
func (s *Service) ConsumeForDispatch(ctx context.Context, id string) (*dom.Approval, error) {
	a, err := s.repo.ConsumeForDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordConsume(ctx, a != nil)
	if a == nil {
		return nil, s.conflict(ctx, id, "consume")
	}
	return a, nil
}

func (s *Service) MarkDispatched(ctx context.Context, id string, result *dom.DispatchResult) (*dom.Approval, error) {
	a, err := s.repo.MarkDispatched(ctx, id, result)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, s.conflict(ctx, id, "mark dispatched")
	}
	return a, nil
}

func (s *Service) MarkDispatchFailed(ctx context.Context, id string, result *dom.DispatchResult) (*dom.Approval, error) {
	a, err := s.repo.MarkDispatchFailed(ctx, id, result)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, s.conflict(ctx, id, "mark dispatch failed")
	}
	return a, nil
}

// conflict builds an ErrConflict naming the record's current status when it can be read.
func (s *Service) conflict(ctx context.Context, id, op string) error {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, dom.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%s approval %s: %w", op, id, dom.ErrConflict)
	}
	return fmt.Errorf("%s approval %s: status is %s: %w", op, id, cur.Status, dom.ErrConflict)
}

func (s *Service) FindByID(ctx context.Context, id string) (*dom.Approval, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Query(ctx context.Context, f dom.ApprovalFilter, p dom.Page) ([]*dom.Approval, int, error) {
	return s.repo.Query(ctx, f, p)
}

func (s *Service) CountPending(ctx context.Context) (int64, error) { return s.repo.CountPending(ctx) }

// ExpireStale moves every pending approval whose ExpiresAt is before now to
// expired and returns how many it changed. Records decided concurrently are
// skipped.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	const batch = 200
	expired := 0
	for {
		items, _, err := s.repo.Query(ctx, dom.ApprovalFilter{Status: dom.ApprovalPending, ExpiresBefore: now}, dom.Page{Size: batch, Sort: "created_at_asc"})
		if err != nil {
			return expired, err
		}
		changed := 0
		for _, a := range items {
			got, err := s.repo.Expire(ctx, a.ID)
			if err != nil {
				return expired, err
			}
			if got == nil {
				continue
			}
			changed++
			s.emit(ctx, dom.AuditApprovalExpired, "system", a.ID, map[string]string{"expires_at": a.ExpiresAt.Format(time.RFC3339)})
		}
		expired += changed
		if len(items) < batch || changed == 0 {
			break
		}
	}
	if expired > 0 {
		s.metrics.RecordExpired(ctx, expired)
		s.log.Info("approvals expired", "count", expired)
	}
	return expired, nil
}

// Audit writes ev through the configured provider. Failures are logged.
func (s *Service) Audit(ctx context.Context, kind, actor, approvalID string, meta map[string]string) {
	s.emit(ctx, kind, actor, approvalID, meta)
}

func (s *Service) emit(ctx context.Context, kind, actor, approvalID string, meta map[string]string) {
	if s.audit == nil {
		return
	}
	ev := dom.AuditEvent{Time: s.now().UTC(), Kind: kind, Actor: actor, ApprovalID: approvalID, Meta: meta}
	if err := s.audit.WriteAuditEvent(ctx, ev); err != nil {
		s.log.Warn("audit write failed", "kind", kind, "approval_id", approvalID, "error", err)
	}
}
