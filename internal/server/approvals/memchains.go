package approvals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
)

// MemChains is an in-memory chain step and template store.
type MemChains struct {
	mu        sync.RWMutex
	steps     map[string]*dom.ChainStep
	byAppr    map[string][]string
	templates map[string]*dom.ChainTemplate
}

func NewMemChains() *MemChains {
	return &MemChains{
		steps:     map[string]*dom.ChainStep{},
		byAppr:    map[string][]string{},
		templates: map[string]*dom.ChainTemplate{},
	}
}

var _ dom.ChainRepository = (*MemChains)(nil)

func (m *MemChains) CreateSteps(_ context.Context, steps []*dom.ChainStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("create chain: no steps: %w", dom.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	apprID := steps[0].ApprovalID
	if len(m.byAppr[apprID]) > 0 {
		return fmt.Errorf("chain for approval %s: %w", apprID, dom.ErrDuplicate)
	}
	now := time.Now().UTC()
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		s.CreatedAt, s.UpdatedAt = now, now
		cp := *s
		m.steps[s.ID] = &cp
		ids = append(ids, s.ID)
	}
	m.byAppr[apprID] = ids
	return nil
}

func (m *MemChains) GetStep(_ context.Context, id string) (*dom.ChainStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.steps[id]
	if s == nil {
		return nil, fmt.Errorf("chain step %s: %w", id, dom.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *MemChains) ListSteps(_ context.Context, approvalID string) ([]*dom.ChainStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byAppr[approvalID]
	out := make([]*dom.ChainStep, 0, len(ids))
	for _, id := range ids {
		cp := *m.steps[id]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *MemChains) DecideStep(_ context.Context, id string, status dom.StepStatus, deciderID, note string, at time.Time) (*dom.ChainStep, error) {
	if status != dom.StepApproved && status != dom.StepRejected {
		return nil, fmt.Errorf("decide step status %q: %w", status, dom.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.steps[id]
	if s == nil || s.Status != dom.StepActive {
		return nil, nil
	}
	decided := at
	s.Status, s.DeciderID, s.Note, s.DecidedAt, s.UpdatedAt = status, deciderID, note, &decided, at
	cp := *s
	return &cp, nil
}

func (m *MemChains) ActivateOrder(_ context.Context, approvalID string, order int) (int64, error) {
	return m.each(approvalID, func(s *dom.ChainStep) bool {
		if s.Order != order || s.Status != dom.StepPending {
			return false
		}
		s.Status = dom.StepActive
		return true
	}), nil
}

func (m *MemChains) RejectAll(_ context.Context, approvalID string) (int64, error) {
	return m.each(approvalID, func(s *dom.ChainStep) bool {
		if s.Status == dom.StepRejected {
			return false
		}
		s.Status = dom.StepRejected
		return true
	}), nil
}

func (m *MemChains) each(approvalID string, fn func(*dom.ChainStep) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, id := range m.byAppr[approvalID] {
		if s := m.steps[id]; fn(s) {
			s.UpdatedAt = now
			n++
		}
	}
	return n
}

func (m *MemChains) CountActiveChainsByTemplate(_ context.Context, templateID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, ids := range m.byAppr {
		for _, id := range ids {
			s := m.steps[id]
			if s.TemplateID == templateID && !s.Status.Terminal() {
				n++
				break
			}
		}
	}
	return n, nil
}

// Templates exposes the template half of the store as a dom.TemplateRepository.
func (m *MemChains) Templates() dom.TemplateRepository { return memTemplates{m} }

type memTemplates struct{ m *MemChains }

func (t memTemplates) Create(_ context.Context, tpl *dom.ChainTemplate) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.templates[tpl.ID]; ok {
		return fmt.Errorf("template %s: %w", tpl.ID, dom.ErrDuplicate)
	}
	now := time.Now().UTC()
	tpl.CreatedAt, tpl.UpdatedAt = now, now
	t.m.templates[tpl.ID] = cloneTemplate(tpl)
	return nil
}

func (t memTemplates) Update(_ context.Context, tpl *dom.ChainTemplate) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	cur, ok := t.m.templates[tpl.ID]
	if !ok {
		return fmt.Errorf("template %s: %w", tpl.ID, dom.ErrNotFound)
	}
	cur.Name, cur.Description = tpl.Name, tpl.Description
	cur.Steps = append([]dom.TemplateStep(nil), tpl.Steps...)
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (t memTemplates) Delete(_ context.Context, id string) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.templates[id]; !ok {
		return fmt.Errorf("template %s: %w", id, dom.ErrNotFound)
	}
	delete(t.m.templates, id)
	return nil
}

func (t memTemplates) Get(_ context.Context, id string) (*dom.ChainTemplate, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	tpl, ok := t.m.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, dom.ErrNotFound)
	}
	return cloneTemplate(tpl), nil
}

func (t memTemplates) List(_ context.Context, workspaceID string) ([]*dom.ChainTemplate, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	var out []*dom.ChainTemplate
	for _, tpl := range t.m.templates {
		if workspaceID == "" || tpl.WorkspaceID == workspaceID {
			out = append(out, cloneTemplate(tpl))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func cloneTemplate(t *dom.ChainTemplate) *dom.ChainTemplate {
	cp := *t
	cp.Steps = append([]dom.TemplateStep(nil), t.Steps...)
	return &cp
}
