package chains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/cuihairu/countersign/internal/validation"
	"github.com/google/uuid"
)

// Templates manages chain templates. The built-in default template is
// always resolvable and cannot be changed or deleted.
type Templates struct {
	repo  dom.TemplateRepository
	steps dom.ChainRepository
	audit dom.PolicyProvider
	log   *slog.Logger
}

func NewTemplates(repo dom.TemplateRepository, steps dom.ChainRepository, audit dom.PolicyProvider, log *slog.Logger) *Templates {
	if log == nil {
		log = slog.Default()
	}
	return &Templates{repo: repo, steps: steps, audit: audit, log: log}
}

func isDefault(id string) bool {
	return strings.EqualFold(strings.TrimSpace(id), dom.DefaultTemplateID)
}

func (s *Templates) Create(ctx context.Context, actor string, t *dom.ChainTemplate) error {
	if t == nil {
		return fmt.Errorf("create template: %w", dom.ErrValidation)
	}
	if isDefault(t.ID) || t.IsDefault {
		return fmt.Errorf("template %q is reserved: %w", dom.DefaultTemplateID, dom.ErrForbidden)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := validation.ValidateTemplate(t); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return fmt.Errorf("create template %s: %w", t.ID, err)
	}
	s.emit(ctx, dom.AuditTemplateChanged, actor, t, "created")
	return nil
}

func (s *Templates) Update(ctx context.Context, actor string, t *dom.ChainTemplate) error {
	if t == nil {
		return fmt.Errorf("update template: %w", dom.ErrValidation)
	}
	if isDefault(t.ID) || t.IsDefault {
		return fmt.Errorf("template %q is immutable: %w", dom.DefaultTemplateID, dom.ErrForbidden)
	}
	if err := validation.ValidateTemplate(t); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, t); err != nil {
		return fmt.Errorf("update template %s: %w", t.ID, err)
	}
	s.emit(ctx, dom.AuditTemplateChanged, actor, t, "updated")
	return nil
}

// Delete removes a template that no in-progress chain was built from.
func (s *Templates) Delete(ctx context.Context, actor, id string) error {
	if isDefault(id) {
		return fmt.Errorf("template %q is immutable: %w", dom.DefaultTemplateID, dom.ErrForbidden)
	}
	n, err := s.steps.CountActiveChainsByTemplate(ctx, id)
	if err != nil {
		return fmt.Errorf("count chains for template %s: %w", id, err)
	}
	if n > 0 {
		return fmt.Errorf("template %s is used by %d in-progress chain(s): %w", id, n, dom.ErrConflict)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	s.emit(ctx, dom.AuditTemplateDeleted, actor, &dom.ChainTemplate{ID: id}, "deleted")
	return nil
}

func (s *Templates) Get(ctx context.Context, id string) (*dom.ChainTemplate, error) {
	if isDefault(id) {
		return dom.DefaultTemplate(), nil
	}
	return s.repo.Get(ctx, id)
}

// List returns the default template followed by the stored templates of
// workspaceID (all workspaces when empty).
func (s *Templates) List(ctx context.Context, workspaceID string) ([]*dom.ChainTemplate, error) {
	stored, err := s.repo.List(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := make([]*dom.ChainTemplate, 0, len(stored)+1)
	out = append(out, dom.DefaultTemplate())
	for _, t := range stored {
		if isDefault(t.ID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CloneForWorkspace copies the default template and every workspace-less
// template into workspaceID. Templates whose name already exists in the
// workspace are skipped, so repeated calls are harmless.
func (s *Templates) CloneForWorkspace(ctx context.Context, actor, workspaceID string) ([]*dom.ChainTemplate, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, fmt.Errorf("clone templates: workspace id is required: %w", dom.ErrValidation)
	}
	existing, err := s.repo.List(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		have[t.Name] = true
	}
	all, err := s.repo.List(ctx, "")
	if err != nil {
		return nil, err
	}
	sources := []*dom.ChainTemplate{dom.DefaultTemplate()}
	for _, t := range all {
		if t.WorkspaceID == "" && !isDefault(t.ID) {
			sources = append(sources, t)
		}
	}

	var cloned []*dom.ChainTemplate
	for _, src := range sources {
		if have[src.Name] {
			continue
		}
		cp := &dom.ChainTemplate{
			ID:          uuid.NewString(),
			WorkspaceID: workspaceID,
			Name:        src.Name,
			Description: src.Description,
			Steps:       append([]dom.TemplateStep(nil), src.Steps...),
		}
		if err := s.repo.Create(ctx, cp); err != nil {
			if errors.Is(err, dom.ErrDuplicate) {
				continue
			}
			return cloned, fmt.Errorf("clone template %s into %s: %w", src.ID, workspaceID, err)
		}
		have[cp.Name] = true
		cloned = append(cloned, cp)
	}
	if len(cloned) > 0 {
		s.log.Info("templates cloned", "workspace_id", workspaceID, "count", len(cloned))
		s.emitWorkspace(ctx, actor, workspaceID, len(cloned))
	}
	return cloned, nil
}

func (s *Templates) emit(ctx context.Context, kind, actor string, t *dom.ChainTemplate, op string) {
	if s.audit == nil {
		return
	}
	ev := dom.AuditEvent{Time: now(), Kind: kind, Actor: actor, Meta: map[string]string{
		"template_id": t.ID, "workspace_id": t.WorkspaceID, "op": op,
	}}
	if err := s.audit.WriteAuditEvent(ctx, ev); err != nil {
		s.log.Warn("audit write failed", "kind", kind, "template_id", t.ID, "error", err)
	}
}

func (s *Templates) emitWorkspace(ctx context.Context, actor, workspaceID string, n int) {
	if s.audit == nil {
		return
	}
	ev := dom.AuditEvent{Time: now(), Kind: dom.AuditWorkspaceTemplates, Actor: actor, Meta: map[string]string{
		"workspace_id": workspaceID, "count": fmt.Sprint(n),
	}}
	if err := s.audit.WriteAuditEvent(ctx, ev); err != nil {
		s.log.Warn("audit write failed", "kind", ev.Kind, "workspace_id", workspaceID, "error", err)
	}
}
