package syncruns

import (
	"time"

	"github.com/google/uuid"

	"github.com/taphoa39/taphoa-backend/pkg/enums"
)

// Run is one reconciliation run recorded in the sync_runs table.
type Run struct {
	ID               uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	Resource         enums.SyncResource  `gorm:"not null" json:"resource"`
	Trigger          string              `gorm:"not null;default:manual" json:"trigger"`
	Status           enums.SyncRunStatus `gorm:"not null" json:"status"`
	TotalRemote      int                 `gorm:"not null;default:0" json:"total_remote"`
	UpdatedOrCreated int                 `gorm:"not null;default:0" json:"updated_or_created"`
	Unchanged        int                 `gorm:"not null;default:0" json:"unchanged"`
	InactiveIncluded int                 `gorm:"not null;default:0" json:"inactive_included"`
	DeletedIncluded  int                 `gorm:"not null;default:0" json:"deleted_included"`
	DurationMS       int64               `gorm:"column:duration_ms;not null;default:0" json:"duration_ms"`
	Error            *string             `json:"error,omitempty"`
	ErrorType        *string             `json:"error_type,omitempty"`
	StartedAt        time.Time           `gorm:"not null" json:"started_at"`
	FinishedAt       *time.Time          `json:"finished_at,omitempty"`
}

func (Run) TableName() string { return "sync_runs" }

// Outcome is what a finished run reports back to the ledger.
type Outcome struct {
	Success          bool
	TotalRemote      int
	UpdatedOrCreated int
	Unchanged        int
	InactiveIncluded int
	DeletedIncluded  int
	Duration         time.Duration
	Error            string
	ErrorType        string
}
