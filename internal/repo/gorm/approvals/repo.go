package approvals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuihairu/countersign/internal/db"
	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/cuihairu/countersign/internal/repo/gorm/cas"
	"gorm.io/gorm"
)

// Repo provides GORM-based persistence for approvals.
type Repo struct{ db *gorm.DB }

func AutoMigrate(gdb *gorm.DB) error { return gdb.AutoMigrate(&Approval{}) }
func NewRepo(gdb *gorm.DB) *Repo     { return &Repo{db: gdb} }

var _ dom.ApprovalRepository = (*Repo)(nil)

// Create inserts a new approval. A repeated RequestID yields dom.ErrDuplicate.
func (r *Repo) Create(ctx context.Context, a *dom.Approval) error {
	if a == nil {
		return fmt.Errorf("create approval: %w", dom.ErrValidation)
	}
	m, err := toModel(a)
	if err != nil {
		return err
	}
	if err := db.Conn(ctx, r.db).Create(m).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return fmt.Errorf("request %s: %w", a.RequestID, dom.ErrDuplicate)
		}
		return err
	}
	a.CreatedAt, a.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (*dom.Approval, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *Repo) GetByRequestID(ctx context.Context, requestID string) (*dom.Approval, error) {
	return r.first(ctx, "request_id = ?", requestID)
}

func (r *Repo) first(ctx context.Context, cond string, arg string) (*dom.Approval, error) {
	var m Approval
	if err := db.Conn(ctx, r.db).Where(cond, arg).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval %s: %w", arg, dom.ErrNotFound)
		}
		return nil, err
	}
	return toDomain(&m)
}

// Decide moves a pending approval to approved or rejected.
func (r *Repo) Decide(ctx context.Context, id, approverID string, status dom.ApprovalStatus, note string) (*dom.Approval, error) {
	if status != dom.ApprovalApproved && status != dom.ApprovalRejected {
		return nil, fmt.Errorf("decide status %q: %w", status, dom.ErrValidation)
	}
	return r.transition(ctx, id, []dom.ApprovalStatus{dom.ApprovalPending}, map[string]any{
		"status":        string(status),
		"approver_id":   approverID,
		"approval_note": note,
	})
}

// HoldPending bumps updated_at of a pending approval. Inside a transaction
// the UPDATE keeps the row locked until commit.
func (r *Repo) HoldPending(ctx context.Context, id string) (*dom.Approval, error) {
	return r.transition(ctx, id, []dom.ApprovalStatus{dom.ApprovalPending}, map[string]any{})
}

// ConsumeForDispatch claims an approved approval. Only one caller can win.
func (r *Repo) ConsumeForDispatch(ctx context.Context, id string) (*dom.Approval, error) {
	return r.transition(ctx, id, []dom.ApprovalStatus{dom.ApprovalApproved}, map[string]any{
		"status": string(dom.ApprovalDispatching),
	})
}

func (r *Repo) MarkDispatched(ctx context.Context, id string, result *dom.DispatchResult) (*dom.Approval, error) {
	return r.finish(ctx, id, dom.ApprovalDispatched, []dom.ApprovalStatus{dom.ApprovalDispatching}, result)
}

func (r *Repo) MarkDispatchFailed(ctx context.Context, id string, result *dom.DispatchResult) (*dom.Approval, error) {
	return r.finish(ctx, id, dom.ApprovalDispatchFailed, []dom.ApprovalStatus{dom.ApprovalDispatching}, result)
}

func (r *Repo) Expire(ctx context.Context, id string) (*dom.Approval, error) {
	return r.transition(ctx, id, []dom.ApprovalStatus{dom.ApprovalPending}, map[string]any{
		"status": string(dom.ApprovalExpired),
	})
}

func (r *Repo) finish(ctx context.Context, id string, to dom.ApprovalStatus, from []dom.ApprovalStatus, result *dom.DispatchResult) (*dom.Approval, error) {
	set := map[string]any{"status": string(to)}
	if result != nil {
		b, err := encodeResult(result)
		if err != nil {
			return nil, err
		}
		set["dispatch_result"] = b
	}
	return r.transition(ctx, id, from, set)
}

func (r *Repo) transition(ctx context.Context, id string, from []dom.ApprovalStatus, set map[string]any) (*dom.Approval, error) {
	guard := make([]string, 0, len(from))
	for _, s := range from {
		guard = append(guard, string(s))
	}
	set["updated_at"] = time.Now().UTC()
	res, err := cas.Swap(ctx, db.Conn(ctx, r.db), cas.Op{
		Model: &Approval{},
		Where: map[string]any{"id": id},
		From:  guard,
		Set:   set,
	})
	if err != nil {
		return nil, fmt.Errorf("approval %s: %w", id, err)
	}
	if !res.Swapped {
		return nil, nil
	}
	return r.Get(ctx, id)
}

// Query lists approvals matching f, newest first unless p.Sort says otherwise.
func (r *Repo) Query(ctx context.Context, f dom.ApprovalFilter, p dom.Page) ([]*dom.Approval, int, error) {
	p = p.Normalize()
	q := db.Conn(ctx, r.db).Model(&Approval{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.OperatorID != "" {
		q = q.Where("operator_id = ?", f.OperatorID)
	}
	if f.WorkspaceID != "" {
		q = q.Where("workspace_id = ?", f.WorkspaceID)
	}
	if f.ActionIntent != "" {
		q = q.Where("action_intent = ?", f.ActionIntent)
	}
	if !f.CreatedAfter.IsZero() {
		q = q.Where("created_at > ?", f.CreatedAfter)
	}
	if !f.ExpiresBefore.IsZero() {
		q = q.Where("expires_at < ?", f.ExpiresBefore)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	order := "created_at DESC"
	if strings.ToLower(p.Sort) == "created_at_asc" {
		order = "created_at ASC"
	}
	var rows []*Approval
	if err := q.Order(order).Limit(p.Size).Offset((p.Page - 1) * p.Size).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]*dom.Approval, 0, len(rows))
	for _, m := range rows {
		a, err := toDomain(m)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, int(total), nil
}

func (r *Repo) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := db.Conn(ctx, r.db).Model(&Approval{}).Where("status = ?", string(dom.ApprovalPending)).Count(&n).Error
	return n, err
}
