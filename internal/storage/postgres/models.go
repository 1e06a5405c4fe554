package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionModel maps to the "code_executions" table.
type ExecutionModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Code       string    `gorm:"type:text;not null"`
	Language   string    `gorm:"not null;index"`
	Output     string    `gorm:"type:text;not null;default:''"`
	Error      string    `gorm:"type:text;not null;default:''"`
	ExitCode   int       `gorm:"not null;default:0"`
	Success    bool      `gorm:"not null;default:false"`
	TimedOut   bool      `gorm:"not null;default:false"`
	Truncated  bool      `gorm:"not null;default:false"`
	DurationMS int64     `gorm:"not null;default:0"`
	UserID     string    `gorm:"not null;default:'';index"`
	CreatedAt  time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "code_executions" }
