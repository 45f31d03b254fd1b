package chains

import (
	"encoding/json"
	"fmt"

	dom "github.com/cuihairu/countersign/internal/ports"
	"gorm.io/datatypes"
)

func templateToModel(t *dom.ChainTemplate) (*Template, error) {
	b, err := json.Marshal(t.Steps)
	if err != nil {
		return nil, fmt.Errorf("encode template steps: %w", err)
	}
	return &Template{
		ID:          t.ID,
		WorkspaceID: t.WorkspaceID,
		Name:        t.Name,
		Description: t.Description,
		Steps:       datatypes.JSON(b),
		IsDefault:   t.IsDefault,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}, nil
}

func templateToDomain(m *Template) (*dom.ChainTemplate, error) {
	t := &dom.ChainTemplate{
		ID:          m.ID,
		WorkspaceID: m.WorkspaceID,
		Name:        m.Name,
		Description: m.Description,
		IsDefault:   m.IsDefault,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if len(m.Steps) > 0 {
		if err := json.Unmarshal(m.Steps, &t.Steps); err != nil {
			return nil, fmt.Errorf("template %s: decode steps: %w", m.ID, err)
		}
	}
	return t, nil
}

func stepToModel(s *dom.ChainStep, seq int) *Step {
	return &Step{
		ID:           s.ID,
		ApprovalID:   s.ApprovalID,
		Seq:          seq,
		TemplateID:   s.TemplateID,
		Order:        s.Order,
		RequiredRole: s.RequiredRole,
		Label:        s.Label,
		Status:       string(s.Status),
		DeciderID:    s.DeciderID,
		DecidedAt:    s.DecidedAt,
		Note:         s.Note,
	}
}

func stepToDomain(m *Step) *dom.ChainStep {
	return &dom.ChainStep{
		ID:           m.ID,
		ApprovalID:   m.ApprovalID,
		TemplateID:   m.TemplateID,
		Order:        m.Order,
		RequiredRole: m.RequiredRole,
		Label:        m.Label,
		Status:       dom.StepStatus(m.Status),
		DeciderID:    m.DeciderID,
		DecidedAt:    m.DecidedAt,
		Note:         m.Note,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
