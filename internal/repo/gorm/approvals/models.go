package approvals

import (
	"time"

	"gorm.io/datatypes"
)

// Approval is the DB model for one governed action. Identity, status and
// timestamps are typed columns; plan, audit, decision and dispatch data are
// opaque JSON so connector payload shapes can change without a migration.
type Approval struct {
	ID             string `gorm:"primaryKey;size:36"`
	RequestID      string `gorm:"column:request_id;uniqueIndex;size:191;not null"`
	OperatorID     string `gorm:"index;size:100"`
	WorkspaceID    string `gorm:"index;size:100"`
	MunicipalityID string `gorm:"size:100"`
	ActionIntent   string `gorm:"index;size:100"`
	ActionMode     string `gorm:"size:50"`
	PlanHash       string `gorm:"size:64"`
	PlanSteps      datatypes.JSON
	AuditRecord    datatypes.JSON
	DecisionResult datatypes.JSON
	DispatchResult datatypes.JSON
	ApproverID     string    `gorm:"size:100"`
	ApprovalNote   string    `gorm:"type:text"`
	Status         string    `gorm:"index;size:32;not null;default:pending"`
	ExpiresAt      time.Time `gorm:"index"`
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

func (Approval) TableName() string { return "approvals" }
