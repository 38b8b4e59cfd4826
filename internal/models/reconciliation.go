package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RunStatusProcessing = "processing"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

// ReconciliationRun is the persisted summary of one matching run. The
// suggestions it produced live only in the in-memory session.
type ReconciliationRun struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	PeriodStart      time.Time      `gorm:"index" json:"period_start"`
	PeriodEnd        time.Time      `json:"period_end"`
	ProcessedCount   int            `json:"processed_count"`
	AutoMatchedCount int            `json:"auto_matched_count"`
	SuggestedCount   int            `json:"suggested_count"`
	UnmatchedCount   int            `json:"unmatched_count"`
	ErrorCount       int            `json:"error_count"`
	Errors           datatypes.JSON `json:"errors,omitempty"`
	Status           string         `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}
