package approvals

import (
	"encoding/json"
	"fmt"

	dom "github.com/cuihairu/countersign/internal/ports"
	"gorm.io/datatypes"
)

// This file is the only place that knows how domain payloads are serialized
// into the approvals table.

func toModel(a *dom.Approval) (*Approval, error) {
	steps, err := encode(a.PlanSteps)
	if err != nil {
		return nil, fmt.Errorf("encode plan steps: %w", err)
	}
	audit, err := encode(a.AuditRecord)
	if err != nil {
		return nil, fmt.Errorf("encode audit record: %w", err)
	}
	decision, err := encode(a.DecisionResult)
	if err != nil {
		return nil, fmt.Errorf("encode decision result: %w", err)
	}
	m := &Approval{
		ID:             a.ID,
		RequestID:      a.RequestID,
		OperatorID:     a.OperatorID,
		WorkspaceID:    a.WorkspaceID,
		MunicipalityID: a.MunicipalityID,
		ActionIntent:   a.ActionIntent,
		ActionMode:     a.ActionMode,
		PlanHash:       a.PlanHash,
		PlanSteps:      steps,
		AuditRecord:    audit,
		DecisionResult: decision,
		ApproverID:     a.ApproverID,
		ApprovalNote:   a.ApprovalNote,
		Status:         string(a.Status),
		ExpiresAt:      a.ExpiresAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	if a.DispatchResult != nil {
		if m.DispatchResult, err = encodeResult(a.DispatchResult); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func toDomain(m *Approval) (*dom.Approval, error) {
	a := &dom.Approval{
		ID:             m.ID,
		RequestID:      m.RequestID,
		OperatorID:     m.OperatorID,
		WorkspaceID:    m.WorkspaceID,
		MunicipalityID: m.MunicipalityID,
		ActionIntent:   m.ActionIntent,
		ActionMode:     m.ActionMode,
		PlanHash:       m.PlanHash,
		ApproverID:     m.ApproverID,
		ApprovalNote:   m.ApprovalNote,
		Status:         dom.ApprovalStatus(m.Status),
		ExpiresAt:      m.ExpiresAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if err := decode(m.PlanSteps, &a.PlanSteps); err != nil {
		return nil, fmt.Errorf("approval %s: decode plan steps: %w", m.ID, err)
	}
	if err := decode(m.AuditRecord, &a.AuditRecord); err != nil {
		return nil, fmt.Errorf("approval %s: decode audit record: %w", m.ID, err)
	}
	if err := decode(m.DecisionResult, &a.DecisionResult); err != nil {
		return nil, fmt.Errorf("approval %s: decode decision result: %w", m.ID, err)
	}
	if len(m.DispatchResult) > 0 && string(m.DispatchResult) != "null" {
		var r dom.DispatchResult
		if err := decode(m.DispatchResult, &r); err != nil {
			return nil, fmt.Errorf("approval %s: decode dispatch result: %w", m.ID, err)
		}
		a.DispatchResult = &r
	}
	return a, nil
}

func encodeResult(r *dom.DispatchResult) (datatypes.JSON, error) {
	b, err := encode(r)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch result: %w", err)
	}
	return b, nil
}

func encode(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func decode(raw datatypes.JSON, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
