// Package approvals holds in-memory implementations of the approval, chain
// and template repositories for development and tests.
package approvals

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
)

// MemStore is an in-memory approvals store (dev/testing fallback).
// The mutex stands in for the row-level compare-and-swap of the SQL stores.
type MemStore struct {
	mu    sync.RWMutex
	data  map[string]*dom.Approval
	byReq map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]*dom.Approval{}, byReq: map[string]string{}}
}

var _ dom.ApprovalRepository = (*MemStore)(nil)

func (m *MemStore) Create(_ context.Context, a *dom.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byReq[a.RequestID]; ok {
		return fmt.Errorf("request %s: %w", a.RequestID, dom.ErrDuplicate)
	}
	if _, ok := m.data[a.ID]; ok {
		return fmt.Errorf("approval %s: %w", a.ID, dom.ErrDuplicate)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.data[a.ID] = cloneApproval(a)
	m.byReq[a.RequestID] = a.ID
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (*dom.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a := m.data[id]
	if a == nil {
		return nil, fmt.Errorf("approval %s: %w", id, dom.ErrNotFound)
	}
	return cloneApproval(a), nil
}

func (m *MemStore) GetByRequestID(ctx context.Context, requestID string) (*dom.Approval, error) {
	m.mu.RLock()
	id, ok := m.byReq[requestID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", requestID, dom.ErrNotFound)
	}
	return m.Get(ctx, id)
}

func (m *MemStore) Decide(_ context.Context, id, approverID string, status dom.ApprovalStatus, note string) (*dom.Approval, error) {
	if status != dom.ApprovalApproved && status != dom.ApprovalRejected {
		return nil, fmt.Errorf("decide status %q: %w", status, dom.ErrValidation)
	}
	return m.swap(id, []dom.ApprovalStatus{dom.ApprovalPending}, func(a *dom.Approval) {
		a.Status = status
		a.ApproverID = approverID
		a.ApprovalNote = note
	})
}

func (m *MemStore) HoldPending(_ context.Context, id string) (*dom.Approval, error) {
	return m.swap(id, []dom.ApprovalStatus{dom.ApprovalPending}, func(*dom.Approval) {})
}

func (m *MemStore) ConsumeForDispatch(_ context.Context, id string) (*dom.Approval, error) {
	return m.swap(id, []dom.ApprovalStatus{dom.ApprovalApproved}, func(a *dom.Approval) {
		a.Status = dom.ApprovalDispatching
	})
}

func (m *MemStore) MarkDispatched(_ context.Context, id string, result *dom.DispatchResult) (*dom.Approval, error) {
	return m.swap(id, []dom.ApprovalStatus{dom.ApprovalDispatching}, func(a *dom.Approval) {
		a.Status = dom.ApprovalDispatched
		a.DispatchResult = cloneResult(result)
	})
}

func (m *MemStore) MarkDispatchFailed(_ context.Context, id string, result *dom.DispatchResult) (*dom.Approval, error) {
	return m.swap(id, []dom.ApprovalStatus{dom.ApprovalDispatching}, func(a *dom.Approval) {
		a.Status = dom.ApprovalDispatchFailed
		if result != nil {
			a.DispatchResult = cloneResult(result)
		}
	})
}

func (m *MemStore) Expire(_ context.Context, id string) (*dom.Approval, error) {
	return m.swap(id, []dom.ApprovalStatus{dom.ApprovalPending}, func(a *dom.Approval) {
		a.Status = dom.ApprovalExpired
	})
}

// swap applies fn when the record's status is one of from. A missing record
// or a failed guard both yield (nil, nil), matching the SQL stores.
func (m *MemStore) swap(id string, from []dom.ApprovalStatus, fn func(*dom.Approval)) (*dom.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.data[id]
	if a == nil {
		return nil, nil
	}
	ok := false
	for _, s := range from {
		if a.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return nil, nil
	}
	fn(a)
	a.UpdatedAt = time.Now().UTC()
	return cloneApproval(a), nil
}

func (m *MemStore) Query(_ context.Context, f dom.ApprovalFilter, p dom.Page) ([]*dom.Approval, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var arr []*dom.Approval
	for _, a := range m.data {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.OperatorID != "" && a.OperatorID != f.OperatorID {
			continue
		}
		if f.WorkspaceID != "" && a.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.ActionIntent != "" && a.ActionIntent != f.ActionIntent {
			continue
		}
		if !f.CreatedAfter.IsZero() && !a.CreatedAt.After(f.CreatedAfter) {
			continue
		}
		if !f.ExpiresBefore.IsZero() && !a.ExpiresAt.Before(f.ExpiresBefore) {
			continue
		}
		arr = append(arr, cloneApproval(a))
	}
	desc := strings.ToLower(p.Sort) != "created_at_asc"
	sort.Slice(arr, func(i, j int) bool {
		if desc {
			return arr[i].CreatedAt.After(arr[j].CreatedAt)
		}
		return arr[i].CreatedAt.Before(arr[j].CreatedAt)
	})
	p = p.Normalize()
	total := len(arr)
	start := (p.Page - 1) * p.Size
	if start >= total {
		return []*dom.Approval{}, total, nil
	}
	end := start + p.Size
	if end > total {
		end = total
	}
	return arr[start:end], total, nil
}

func (m *MemStore) CountPending(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, a := range m.data {
		if a.Status == dom.ApprovalPending {
			n++
		}
	}
	return n, nil
}

func cloneApproval(a *dom.Approval) *dom.Approval {
	cp := *a
	cp.PlanSteps = append([]dom.PlanStep(nil), a.PlanSteps...)
	cp.DecisionResult.Reasons = append([]string(nil), a.DecisionResult.Reasons...)
	if a.AuditRecord.Attributes != nil {
		cp.AuditRecord.Attributes = make(map[string]string, len(a.AuditRecord.Attributes))
		for k, v := range a.AuditRecord.Attributes {
			cp.AuditRecord.Attributes[k] = v
		}
	}
	cp.DispatchResult = cloneResult(a.DispatchResult)
	return &cp
}

func cloneResult(r *dom.DispatchResult) *dom.DispatchResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.PerStepResults = append([]dom.StepResult(nil), r.PerStepResults...)
	return &cp
}
