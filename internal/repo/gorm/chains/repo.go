package chains

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuihairu/countersign/internal/db"
	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/cuihairu/countersign/internal/repo/gorm/cas"
	"gorm.io/gorm"
)

func AutoMigrate(gdb *gorm.DB) error { return gdb.AutoMigrate(&Template{}, &Step{}) }

// TemplateRepo persists chain templates.
type TemplateRepo struct{ db *gorm.DB }

func NewTemplateRepo(gdb *gorm.DB) *TemplateRepo { return &TemplateRepo{db: gdb} }

var _ dom.TemplateRepository = (*TemplateRepo)(nil)

func (r *TemplateRepo) Create(ctx context.Context, t *dom.ChainTemplate) error {
	m, err := templateToModel(t)
	if err != nil {
		return err
	}
	if err := db.Conn(ctx, r.db).Create(m).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return fmt.Errorf("template %s: %w", t.ID, dom.ErrDuplicate)
		}
		return err
	}
	t.CreatedAt, t.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

func (r *TemplateRepo) Update(ctx context.Context, t *dom.ChainTemplate) error {
	m, err := templateToModel(t)
	if err != nil {
		return err
	}
	tx := db.Conn(ctx, r.db).Model(&Template{}).Where("id = ?", t.ID).Updates(map[string]any{
		"name":        m.Name,
		"description": m.Description,
		"steps":       m.Steps,
		"updated_at":  time.Now().UTC(),
	})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("template %s: %w", t.ID, dom.ErrNotFound)
	}
	return nil
}

func (r *TemplateRepo) Delete(ctx context.Context, id string) error {
	tx := db.Conn(ctx, r.db).Where("id = ?", id).Delete(&Template{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("template %s: %w", id, dom.ErrNotFound)
	}
	return nil
}

func (r *TemplateRepo) Get(ctx context.Context, id string) (*dom.ChainTemplate, error) {
	var m Template
	if err := db.Conn(ctx, r.db).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("template %s: %w", id, dom.ErrNotFound)
		}
		return nil, err
	}
	return templateToDomain(&m)
}

// List returns the templates of a workspace, or every template when workspaceID is empty.
func (r *TemplateRepo) List(ctx context.Context, workspaceID string) ([]*dom.ChainTemplate, error) {
	q := db.Conn(ctx, r.db).Order("name ASC")
	if workspaceID != "" {
		q = q.Where("workspace_id = ?", workspaceID)
	}
	var rows []*Template
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*dom.ChainTemplate, 0, len(rows))
	for _, m := range rows {
		t, err := templateToDomain(m)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// StepRepo persists chain steps. Every status change is a cas.Swap.
type StepRepo struct{ db *gorm.DB }

func NewStepRepo(gdb *gorm.DB) *StepRepo { return &StepRepo{db: gdb} }

var _ dom.ChainRepository = (*StepRepo)(nil)

// CreateSteps inserts a whole chain in one transaction. A second chain for
// the same approval collides on (approval_id, seq) and yields dom.ErrDuplicate.
func (r *StepRepo) CreateSteps(ctx context.Context, steps []*dom.ChainStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("create chain: no steps: %w", dom.ErrValidation)
	}
	rows := make([]*Step, 0, len(steps))
	for i, s := range steps {
		rows = append(rows, stepToModel(s, i))
	}
	err := db.InTx(ctx, r.db, func(ctx context.Context) error {
		return db.Conn(ctx, r.db).Create(&rows).Error
	})
	if err != nil {
		if db.IsDuplicateKey(err) {
			return fmt.Errorf("chain for approval %s: %w", steps[0].ApprovalID, dom.ErrDuplicate)
		}
		return err
	}
	for i, m := range rows {
		steps[i].CreatedAt, steps[i].UpdatedAt = m.CreatedAt, m.UpdatedAt
	}
	return nil
}

func (r *StepRepo) GetStep(ctx context.Context, id string) (*dom.ChainStep, error) {
	var m Step
	if err := db.Conn(ctx, r.db).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("chain step %s: %w", id, dom.ErrNotFound)
		}
		return nil, err
	}
	return stepToDomain(&m), nil
}

// ListSteps returns the chain of an approval in template order.
func (r *StepRepo) ListSteps(ctx context.Context, approvalID string) ([]*dom.ChainStep, error) {
	var rows []*Step
	if err := db.Conn(ctx, r.db).Where("approval_id = ?", approvalID).Order("step_order ASC, seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*dom.ChainStep, 0, len(rows))
	for _, m := range rows {
		out = append(out, stepToDomain(m))
	}
	return out, nil
}

func (r *StepRepo) DecideStep(ctx context.Context, id string, status dom.StepStatus, deciderID, note string, at time.Time) (*dom.ChainStep, error) {
	if status != dom.StepApproved && status != dom.StepRejected {
		return nil, fmt.Errorf("decide step status %q: %w", status, dom.ErrValidation)
	}
	res, err := cas.Swap(ctx, db.Conn(ctx, r.db), cas.Op{
		Model: &Step{},
		Where: map[string]any{"id": id},
		From:  []string{string(dom.StepActive)},
		Set: map[string]any{
			"status":     string(status),
			"decider_id": deciderID,
			"note":       note,
			"decided_at": at,
			"updated_at": at,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chain step %s: %w", id, err)
	}
	if !res.Swapped {
		return nil, nil
	}
	return r.GetStep(ctx, id)
}

func (r *StepRepo) ActivateOrder(ctx context.Context, approvalID string, order int) (int64, error) {
	res, err := cas.Swap(ctx, db.Conn(ctx, r.db), cas.Op{
		Model: &Step{},
		Where: map[string]any{"approval_id": approvalID, "step_order": order},
		From:  []string{string(dom.StepPending)},
		Set:   map[string]any{"status": string(dom.StepActive), "updated_at": time.Now().UTC()},
	})
	return res.RowsAffected, err
}

// RejectAll leaves decider and note of already decided steps untouched.
func (r *StepRepo) RejectAll(ctx context.Context, approvalID string) (int64, error) {
	res, err := cas.Swap(ctx, db.Conn(ctx, r.db), cas.Op{
		Model: &Step{},
		Where: map[string]any{"approval_id": approvalID},
		From:  []string{string(dom.StepPending), string(dom.StepActive), string(dom.StepApproved)},
		Set:   map[string]any{"status": string(dom.StepRejected), "updated_at": time.Now().UTC()},
	})
	return res.RowsAffected, err
}

func (r *StepRepo) CountActiveChainsByTemplate(ctx context.Context, templateID string) (int64, error) {
	var n int64
	err := db.Conn(ctx, r.db).Model(&Step{}).
		Where("template_id = ? AND status IN ?", templateID, []string{string(dom.StepPending), string(dom.StepActive)}).
		Distinct("approval_id").
		Count(&n).Error
	return n, err
}
