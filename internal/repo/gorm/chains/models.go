package chains

import (
	"time"

	"gorm.io/datatypes"
)

// Template is the DB model for a chain template. Steps is a JSON array of
// {order, required_role, label}.
type Template struct {
	ID          string `gorm:"primaryKey;size:64"`
	WorkspaceID string `gorm:"index;size:100"`
	Name        string `gorm:"size:191;not null"`
	Description string `gorm:"type:text"`
	Steps       datatypes.JSON
	IsDefault   bool `gorm:"default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Template) TableName() string { return "chain_templates" }

// Step is one instantiated template step. (approval_id, seq) is unique so a
// chain can only be instantiated once per approval.
type Step struct {
	ID           string `gorm:"primaryKey;size:36"`
	ApprovalID   string `gorm:"size:36;not null;uniqueIndex:idx_chain_steps_approval_seq,priority:1"`
	Seq          int    `gorm:"not null;uniqueIndex:idx_chain_steps_approval_seq,priority:2"`
	TemplateID   string `gorm:"index;size:64"`
	Order        int    `gorm:"column:step_order;not null"`
	RequiredRole string `gorm:"size:100"`
	Label        string `gorm:"size:191"`
	Status       string `gorm:"index;size:16;not null;default:pending"`
	DeciderID    string `gorm:"size:100"`
	DecidedAt    *time.Time
	Note         string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Step) TableName() string { return "chain_steps" }
